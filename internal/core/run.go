package core

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/go-units"
)

// ErrUploadFailed is returned by Run when at least one file was rejected.
var ErrUploadFailed = errors.New("one or more files failed to upload")

// Run uploads the files selected by opts and prints a line per file.
func Run(ctx context.Context, opts *Options, client *Client, out io.Writer) error {
	files, err := CollectFiles(opts.Paths)
	if err != nil {
		return err
	}
	if err := DetectContentTypes(files); err != nil {
		return err
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	fmt.Fprintf(out, "Uploading %d file(s), %s\n", len(files), units.HumanSize(float64(total)))

	report, err := client.Upload(ctx, files, opts.Tags)
	if err != nil {
		return err
	}

	for _, r := range report.Results {
		if r.Error != "" || r.File == nil {
			fmt.Fprintf(out, "✗ %s: %s\n", r.Name, r.Error)
			continue
		}
		fmt.Fprintf(out, "✓ %s → %s (%s, %s)\n",
			r.Name, r.File.ID, r.File.MimeType, units.HumanSize(float64(r.File.Size)))

		if opts.Share {
			link, err := client.Share(ctx, r.File.ID)
			if err != nil {
				fmt.Fprintf(out, "  share failed: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "  %s\n", link)
		}
	}

	fmt.Fprintf(out, "\n%d uploaded, %d failed\n", report.Succeeded, report.Failed)
	if report.Failed > 0 {
		return ErrUploadFailed
	}
	return nil
}
