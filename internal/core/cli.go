package core

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const defaultServer = "http://localhost:8080"

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

type ParsedPath struct {
	FullPath string
	Kind     PathKind
}

// Options is a parsed command line.
type Options struct {
	Server string
	Token  string
	Tags   string
	Share  bool
	Paths  []ParsedPath
}

// ParseArgs parses flags and validates the remaining path arguments.
// getenv supplies defaults for -server and -token.
func ParseArgs(args []string, getenv func(string) string, stderr io.Writer) (*Options, error) {
	opts := &Options{}

	fs := flag.NewFlagSet("stash", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: stash [-server URL] [-token T] [-tags a,b] [-share] <paths...>")
		fs.PrintDefaults()
	}

	server := getenv("STASH_SERVER")
	if server == "" {
		server = defaultServer
	}
	fs.StringVar(&opts.Server, "server", server, "stash server base URL ($STASH_SERVER)")
	fs.StringVar(&opts.Token, "token", getenv("STASH_TOKEN"), "bearer token ($STASH_TOKEN)")
	fs.StringVar(&opts.Tags, "tags", "", "comma-separated tags applied to every file")
	fs.BoolVar(&opts.Share, "share", false, "issue a share link for each uploaded file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, &ValidationError{Arg: "<flags>", Cause: err.Error()}
	}

	u, err := url.Parse(opts.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ValidationError{Arg: opts.Server, Cause: "server must be an http(s) URL"}
	}
	opts.Server = strings.TrimRight(opts.Server, "/")

	if opts.Token == "" {
		return nil, &ValidationError{Arg: "-token", Cause: "no token provided (set -token or STASH_TOKEN)"}
	}

	if fs.NArg() == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	for _, raw := range fs.Args() {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		kind := PathFile
		if info.IsDir() {
			kind = PathDir
		} else if !info.Mode().IsRegular() {
			return nil, &ValidationError{Arg: raw, Cause: "not a regular file"}
		}

		opts.Paths = append(opts.Paths, ParsedPath{FullPath: p, Kind: kind})
	}

	return opts, nil
}
