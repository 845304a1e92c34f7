package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stash/internal/server/auth"
	"stash/internal/server/config"
	"stash/internal/server/service"
)

const goodToken = "good-token"

type stubFiles struct {
	uploaded []service.UploadFile
	tags     string
	report   *service.UploadReport
	err      error

	order    []string
	tagsSet  []string
	deleted  string
	stats    *service.Stats
	gotOwner string
}

func (s *stubFiles) Upload(ctx context.Context, ownerID string, files []service.UploadFile, rawTags string) (*service.UploadReport, error) {
	s.gotOwner = ownerID
	s.tags = rawTags
	for _, f := range files {
		body, _ := io.ReadAll(f.Content)
		f.Content = bytes.NewReader(body)
		s.uploaded = append(s.uploaded, f)
	}
	return s.report, s.err
}

func (s *stubFiles) Delete(ctx context.Context, ownerID, ref string) error {
	s.gotOwner = ownerID
	s.deleted = ref
	return s.err
}

func (s *stubFiles) UpdateTags(ctx context.Context, ownerID, ref string, tags []string) (*service.FileSummary, error) {
	s.gotOwner = ownerID
	s.tagsSet = tags
	if s.err != nil {
		return nil, s.err
	}
	return &service.FileSummary{Filename: ref, Tags: tags}, nil
}

func (s *stubFiles) UpdateOrder(ctx context.Context, ownerID string, ids []string) error {
	s.gotOwner = ownerID
	s.order = ids
	return s.err
}

func (s *stubFiles) Stats(ctx context.Context, ownerID string) (*service.Stats, error) {
	s.gotOwner = ownerID
	return s.stats, s.err
}

type stubShares struct {
	view *service.SharedView
	err  error
}

func (s *stubShares) IssueShareLink(ctx context.Context, ownerID, ref string) (*service.ShareLink, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &service.ShareLink{SharedLink: "https://stash.test/files/view/" + ref}, nil
}

func (s *stubShares) ResolveSharedView(ctx context.Context, token string) (*service.SharedView, error) {
	return s.view, s.err
}

type stubAccounts struct {
	registerErr error
	loggedOut   *auth.Identity
}

func (s *stubAccounts) Register(ctx context.Context, email, password string) (*service.Account, error) {
	if s.registerErr != nil {
		return nil, s.registerErr
	}
	return &service.Account{ID: "user-1", Email: email}, nil
}

func (s *stubAccounts) Login(ctx context.Context, email, password string) (*service.Session, error) {
	if password != "password1" {
		return nil, service.ErrInvalidCredentials
	}
	return &service.Session{Token: goodToken, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (s *stubAccounts) Logout(ctx context.Context, id *auth.Identity) error {
	s.loggedOut = id
	return nil
}

func (s *stubAccounts) Authenticate(ctx context.Context, bearer string) (*auth.Identity, error) {
	if bearer != goodToken {
		return nil, service.ErrUnauthorized
	}
	return &auth.Identity{UserID: "user-1", Email: "a@example.com", TokenID: "jti-1"}, nil
}

type stubDB struct{ err error }

func (s stubDB) HealthCheck(ctx context.Context) error { return s.err }

type testServer struct {
	e        *echo.Echo
	files    *stubFiles
	shares   *stubShares
	accounts *stubAccounts
}

func testConfig() *config.Config {
	return &config.Config{
		MaxFileSize:        1024,
		MaxFilesPerRequest: 4,
		RateLimitRPS:       100,
		RateLimitBurst:     100,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, blobs BlobServer) *testServer {
	t.Helper()
	ts := &testServer{
		files:    &stubFiles{},
		shares:   &stubShares{},
		accounts: &stubAccounts{},
	}
	h := NewHandler(ts.files, ts.shares, ts.accounts, stubDB{}, blobs)
	e, limiters := SetupRouter(h, cfg)
	t.Cleanup(func() {
		for _, l := range limiters {
			l.Stop()
		}
	})
	ts.e = e
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, target, token string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	return req
}

type part struct {
	name        string
	contentType string
	body        string
}

func uploadRequest(t *testing.T, token, tags string, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, p.name))
		h.Set("Content-Type", p.contentType)
		pw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = pw.Write([]byte(p.body))
		require.NoError(t, err)
	}
	if tags != "" {
		require.NoError(t, w.WriteField("tags", tags))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/files/upload", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, testConfig(), nil)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"upload", uploadRequest(t, "", "", part{"a.png", "image/png", "x"})},
		{"share", jsonRequest(http.MethodPost, "/files/share/abc", "", nil)},
		{"order", jsonRequest(http.MethodPost, "/files/update-order", "", map[string]any{"order": []string{}})},
		{"tags", jsonRequest(http.MethodPost, "/files/update-tags", "", map[string]any{"filename": "a"})},
		{"delete", jsonRequest(http.MethodDelete, "/files/a.png", "", nil)},
		{"stats", jsonRequest(http.MethodGet, "/stats", "", nil)},
		{"logout", jsonRequest(http.MethodPost, "/auth/logout", "", nil)},
		{"bad token", jsonRequest(http.MethodGet, "/stats", "forged", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, CodeUnauthorized, decodeError(t, rec).Code)
		})
	}
	assert.Empty(t, ts.files.gotOwner, "no service call without a valid token")
}

func TestHandleUpload(t *testing.T) {
	t.Run("all stored", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		ts.files.report = &service.UploadReport{
			Results:   []service.UploadResult{{Name: "a.png"}, {Name: "b.pdf"}},
			Succeeded: 2,
		}

		rec := ts.do(uploadRequest(t, goodToken, "cats, dogs",
			part{"a.png", "image/png", "png-bytes"},
			part{"b.pdf", "application/pdf", "pdf-bytes"},
		))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user-1", ts.files.gotOwner)
		assert.Equal(t, "cats, dogs", ts.files.tags)
		require.Len(t, ts.files.uploaded, 2)
		assert.Equal(t, "a.png", ts.files.uploaded[0].Name)
		assert.Equal(t, "image/png", ts.files.uploaded[0].ContentType)
		assert.Equal(t, int64(len("png-bytes")), ts.files.uploaded[0].Size)
		body, _ := io.ReadAll(ts.files.uploaded[1].Content)
		assert.Equal(t, "pdf-bytes", string(body))
	})

	t.Run("partial failure is multi-status", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		ts.files.report = &service.UploadReport{
			Results:   []service.UploadResult{{Name: "a.png"}, {Name: "b.png", Error: "failed to store file"}},
			Succeeded: 1,
			Failed:    1,
		}

		rec := ts.do(uploadRequest(t, goodToken, "", part{"a.png", "image/png", "x"}, part{"b.png", "image/png", "y"}))
		assert.Equal(t, http.StatusMultiStatus, rec.Code)

		var report service.UploadReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, 1, report.Failed)
		assert.Equal(t, "failed to store file", report.Results[1].Error)
	})

	t.Run("total failure", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		ts.files.report = &service.UploadReport{
			Results: []service.UploadResult{{Name: "a.png", Error: "failed to store file"}},
			Failed:  1,
		}

		rec := ts.do(uploadRequest(t, goodToken, "", part{"a.png", "image/png", "x"}))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("no files", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		rec := ts.do(uploadRequest(t, goodToken, "cats"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, service.ErrNoFiles.Error(), decodeError(t, rec).Error)
	})

	t.Run("validation errors map to 4xx", func(t *testing.T) {
		tests := []struct {
			err    error
			status int
			code   string
		}{
			{fmt.Errorf("%w: image/gif", service.ErrUnsupportedMediaType), http.StatusBadRequest, CodeUnsupportedType},
			{fmt.Errorf("%w: a.png", service.ErrPayloadTooLarge), http.StatusRequestEntityTooLarge, CodeTooLarge},
			{fmt.Errorf("%w: too many tags", service.ErrValidation), http.StatusBadRequest, CodeValidation},
		}
		for _, tt := range tests {
			ts := newTestServer(t, testConfig(), nil)
			ts.files.err = tt.err

			rec := ts.do(uploadRequest(t, goodToken, "", part{"a.png", "image/png", "x"}))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		}
	})

	t.Run("body over the request limit", func(t *testing.T) {
		cfg := testConfig()
		ts := newTestServer(t, cfg, nil)

		big := strings.Repeat("x", int(cfg.MaxFileSize)*cfg.MaxFilesPerRequest+multipartOverhead+1)
		rec := ts.do(uploadRequest(t, goodToken, "", part{"big.png", "image/png", big}))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Empty(t, ts.files.uploaded)
	})
}

func TestHandleUpdateOrder(t *testing.T) {
	t.Run("passes ids through", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		rec := ts.do(jsonRequest(http.MethodPost, "/files/update-order", goodToken,
			map[string]any{"order": []string{"b", "a"}}))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"b", "a"}, ts.files.order)
	})

	t.Run("missing order", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		rec := ts.do(jsonRequest(http.MethodPost, "/files/update-order", goodToken, map[string]any{}))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeError(t, rec).Error, "order is required")
		assert.Nil(t, ts.files.order)
	})

	t.Run("malformed body", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		req := httptest.NewRequest(http.MethodPost, "/files/update-order", strings.NewReader(`{"order": "a,b"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+goodToken)

		rec := ts.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("foreign id", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		ts.files.err = service.ErrOwnershipViolation
		rec := ts.do(jsonRequest(http.MethodPost, "/files/update-order", goodToken,
			map[string]any{"order": []string{"x"}}))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, CodeNotFound, decodeError(t, rec).Code)
	})
}

func TestHandleUpdateTags(t *testing.T) {
	ts := newTestServer(t, testConfig(), nil)
	rec := ts.do(jsonRequest(http.MethodPost, "/files/update-tags", goodToken,
		map[string]any{"filename": "a.png", "tags": []string{"x", "y"}}))

	require.Equal(t, http.StatusOK, rec.Code)
	var file service.FileSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &file))
	assert.Equal(t, []string{"x", "y"}, file.Tags)

	rec = ts.do(jsonRequest(http.MethodPost, "/files/update-tags", goodToken,
		map[string]any{"tags": []string{"x"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDelete(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		rec := ts.do(jsonRequest(http.MethodDelete, "/files/1-ab-cat.png", goodToken, nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1-ab-cat.png", ts.files.deleted)
	})

	t.Run("not found", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		ts.files.err = service.ErrNotFound
		rec := ts.do(jsonRequest(http.MethodDelete, "/files/nope", goodToken, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("internal details are not leaked", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		ts.files.err = errors.New("pq: relation files does not exist at owner-1/key")
		rec := ts.do(jsonRequest(http.MethodDelete, "/files/a", goodToken, nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, "internal server error", body.Error)
		assert.Equal(t, CodeInternal, body.Code)
	})
}

func TestHandleShareAndView(t *testing.T) {
	t.Run("share", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		rec := ts.do(jsonRequest(http.MethodPost, "/files/share/file-1", goodToken, nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var link service.ShareLink
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
		assert.Equal(t, "https://stash.test/files/view/file-1", link.SharedLink)
	})

	t.Run("view needs no auth", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
		ts.shares.view = &service.SharedView{URL: "https://blobs.test/x", ExpiresAt: expires}

		rec := ts.do(httptest.NewRequest(http.MethodGet, "/files/view/tok", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var view service.SharedView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
		assert.Equal(t, "https://blobs.test/x", view.URL)
		assert.True(t, expires.Equal(view.ExpiresAt))
	})

	t.Run("unknown token", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		ts.shares.err = service.ErrShareNotFound
		rec := ts.do(httptest.NewRequest(http.MethodGet, "/files/view/nope", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, service.ErrShareNotFound.Error(), decodeError(t, rec).Error)
	})

	t.Run("public view is rate limited", func(t *testing.T) {
		cfg := testConfig()
		cfg.RateLimitRPS = 0.001
		cfg.RateLimitBurst = 2
		ts := newTestServer(t, cfg, nil)
		ts.shares.view = &service.SharedView{URL: "u"}

		codes := make([]int, 3)
		for i := range codes {
			codes[i] = ts.do(httptest.NewRequest(http.MethodGet, "/files/view/tok", nil)).Code
		}
		assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	})

	t.Run("forwarded header from an untrusted peer is ignored", func(t *testing.T) {
		cfg := testConfig()
		cfg.RateLimitRPS = 0.001
		cfg.RateLimitBurst = 1
		ts := newTestServer(t, cfg, nil)
		ts.shares.view = &service.SharedView{URL: "u"}

		codes := make([]int, 2)
		for i := range codes {
			req := httptest.NewRequest(http.MethodGet, "/files/view/tok", nil)
			req.Header.Set(echo.HeaderXForwardedFor, fmt.Sprintf("203.0.113.%d", i+1))
			codes[i] = ts.do(req).Code
		}
		assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
	})

	t.Run("forwarded header from a trusted proxy identifies the client", func(t *testing.T) {
		cfg := testConfig()
		cfg.RateLimitRPS = 0.001
		cfg.RateLimitBurst = 1
		cfg.TrustedProxies = []string{"192.0.2.0/24"}
		ts := newTestServer(t, cfg, nil)
		ts.shares.view = &service.SharedView{URL: "u"}

		codes := make([]int, 3)
		for i, client := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.1"} {
			req := httptest.NewRequest(http.MethodGet, "/files/view/tok", nil)
			req.Header.Set(echo.HeaderXForwardedFor, client)
			codes[i] = ts.do(req).Code
		}
		assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	})
}

func TestHandleStats(t *testing.T) {
	ts := newTestServer(t, testConfig(), nil)
	link := "https://stash.test/files/view/tok"
	ts.files.stats = &service.Stats{
		Files:     []service.FileSummary{{ID: "1", Filename: "a.png", Views: 3, Tags: []string{}, SharedLink: &link}},
		FileCount: 1,
	}

	rec := ts.do(jsonRequest(http.MethodGet, "/stats", goodToken, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", ts.files.gotOwner)

	var stats service.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats.Files, 1)
	assert.Equal(t, int64(3), stats.Files[0].Views)
	assert.Equal(t, link, *stats.Files[0].SharedLink)
}

func TestAccountRoutes(t *testing.T) {
	t.Run("register", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		rec := ts.do(jsonRequest(http.MethodPost, "/auth/register", "", map[string]string{
			"email": "a@example.com", "password": "password1", "confirmPassword": "password1",
		}))
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("register validation", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		tests := []struct {
			name string
			body map[string]string
			want string
		}{
			{"mismatch", map[string]string{"email": "a@example.com", "password": "password1", "confirmPassword": "password2"}, "confirmPassword must match"},
			{"short", map[string]string{"email": "a@example.com", "password": "short", "confirmPassword": "short"}, "password must be at least 8"},
			{"email", map[string]string{"email": "nope", "password": "password1", "confirmPassword": "password1"}, "email must be a valid email"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := ts.do(jsonRequest(http.MethodPost, "/auth/register", "", tt.body))
				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Contains(t, decodeError(t, rec).Error, tt.want)
			})
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		ts.accounts.registerErr = service.ErrEmailTaken
		rec := ts.do(jsonRequest(http.MethodPost, "/auth/register", "", map[string]string{
			"email": "a@example.com", "password": "password1", "confirmPassword": "password1",
		}))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("login", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		rec := ts.do(jsonRequest(http.MethodPost, "/auth/login", "", map[string]string{
			"email": "a@example.com", "password": "password1",
		}))
		require.Equal(t, http.StatusOK, rec.Code)

		var session service.Session
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
		assert.Equal(t, goodToken, session.Token)

		rec = ts.do(jsonRequest(http.MethodPost, "/auth/login", "", map[string]string{
			"email": "a@example.com", "password": "wrong-pass",
		}))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, service.ErrInvalidCredentials.Error(), decodeError(t, rec).Error)
	})

	t.Run("logout", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), nil)
		rec := ts.do(jsonRequest(http.MethodPost, "/auth/logout", goodToken, nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, ts.accounts.loggedOut)
		assert.Equal(t, "jti-1", ts.accounts.loggedOut.TokenID)
	})
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, testConfig(), nil)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","database":"connected"}`, rec.Body.String())
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, testConfig(), nil)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, rec).Code)
}
