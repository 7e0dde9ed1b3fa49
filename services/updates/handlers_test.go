package updates

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"deltad/pkg/archive"
)

func newTestService(t *testing.T) (*Service, *memLedger, string) {
	t.Helper()
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)

	ledger := newMemLedger()
	manifests := NewManifestStore(dir)
	pipeline, err := NewPipeline(ledger, manifests, &fakeDiffer{}, PipelineConfig{
		DataDir: dir,
		Logger:  logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	resolver, err := NewResolver(ledger)
	if err != nil {
		t.Fatal(err)
	}
	gate, err := NewGatekeeper("s3cret", &memAuthLog{})
	if err != nil {
		t.Fatal(err)
	}
	registry, err := ParseRegistry([]byte("streams:\n  - name: app\n  - name: launcher\n    kind: file\n"))
	if err != nil {
		t.Fatal(err)
	}

	svc := &Service{
		store:     &Store{},
		registry:  registry,
		config:    Config{DataDir: dir, UploadToken: "s3cret"},
		logger:    logger,
		gate:      gate,
		pipeline:  pipeline,
		resolver:  resolver,
		manifests: manifests,
		layout:    layout{root: dir},
	}
	return svc, ledger, dir
}

func multipartUpload(t *testing.T, payload []byte, version string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "snapshot.tar.zst")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatal(err)
	}
	if version != "" {
		if err := mw.WriteField("version", version); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &body, mw.FormDataContentType()
}

func postUpload(t *testing.T, h http.Handler, stream, token string, payload []byte, version string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartUpload(t, payload, version)
	req := httptest.NewRequest(http.MethodPost, "/v1/streams/"+stream+"/uploads", body)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func archiveBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	r := makeArchive(t, files)
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestUploadEndpoint(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := svc.Routes()

	payload := archiveBytes(t, map[string]string{"x.txt": "one"})

	rec := postUpload(t, h, "app", "s3cret", payload, "1.0.0")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp struct {
		Update Update `json:"update"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Update.State != StateFinalized || resp.Update.Version != "1.0.0" {
		t.Fatalf("unexpected update %+v", resp.Update)
	}
}

func TestUploadRejectsBadToken(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	h := svc.Routes()

	payload := archiveBytes(t, map[string]string{"x.txt": "one"})

	rec := postUpload(t, h, "app", "wrong", payload, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if row := ledger.row(1); row != nil {
		t.Fatal("denied upload created a ledger row")
	}

	rec = postUpload(t, h, "app", "", payload, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for missing token", rec.Code)
	}
}

func TestUploadStreamErrors(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := svc.Routes()

	payload := archiveBytes(t, map[string]string{"x.txt": "one"})

	rec := postUpload(t, h, "ghost", "s3cret", payload, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown stream status = %d, want 404", rec.Code)
	}

	rec = postUpload(t, h, "temp", "s3cret", payload, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("reserved stream status = %d, want 400", rec.Code)
	}
}

func TestUploadRejectsInvalidArchive(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := svc.Routes()

	rec := postUpload(t, h, "app", "s3cret", []byte("not an archive"), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUploadConflictWhileBuildInFlight(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	h := svc.Routes()

	if _, err := ledger.Begin(context.Background(), "app", 50); err != nil {
		t.Fatal(err)
	}

	payload := archiveBytes(t, map[string]string{"x.txt": "one"})
	rec := postUpload(t, h, "app", "s3cret", payload, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	h := svc.Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/streams/app/version", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before any build", rec.Code)
	}

	seedFinalized(t, ledger, "app", 200, true, "1.1.0")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/app/version", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp struct {
		Stream    string `json:"stream"`
		Timestamp int64  `json:"timestamp"`
		Version   string `json:"version"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Timestamp != 200 || resp.Version != "1.1.0" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestUpdatesSinceEndpoint(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	h := svc.Routes()

	seedFinalized(t, ledger, "app", 100, false, "")
	seedFinalized(t, ledger, "app", 200, true, "")
	seedFinalized(t, ledger, "app", 300, true, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/app/updates?since=100", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp struct {
		Patches []int64 `json:"patches"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Patches) != 2 || resp.Patches[0] != 200 || resp.Patches[1] != 300 {
		t.Fatalf("patches = %v", resp.Patches)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/app/updates?since=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad since", rec.Code)
	}
}

func TestUpdatesSinceFileStream(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	h := svc.Routes()

	seedFinalized(t, ledger, "launcher", 150, false, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/launcher/updates?since=100", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		HasNewer bool `json:"has_newer"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.HasNewer {
		t.Fatal("has_newer = false, want true")
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := svc.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/app/snapshot", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before any build", rec.Code)
	}

	payload := archiveBytes(t, map[string]string{"x.txt": "one", "sub/y.txt": "two"})
	if rec := postUpload(t, h, "app", "s3cret", payload, ""); rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/app/snapshot", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got := map[string]string{}
	err := archive.Walk(bytes.NewReader(rec.Body.Bytes()), func(e archive.Entry) error {
		if e.Body == nil {
			return nil
		}
		data, err := io.ReadAll(e.Body)
		if err != nil {
			return err
		}
		got[e.Path] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("walk snapshot: %v", err)
	}
	if got["x.txt"] != "one" || got["sub/y.txt"] != "two" {
		t.Fatalf("snapshot entries = %v", got)
	}
}

func TestSnapshotEndpointFileStream(t *testing.T) {
	svc, _, dir := newTestService(t)
	h := svc.Routes()

	blobPath := filepath.Join(dir, "streams", "launcher", "current.bin")
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(blobPath, []byte("installer"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/streams/launcher/snapshot", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "installer" {
		t.Fatalf("body = %q", rec.Body)
	}
}

func TestPatchArchiveEndpoint(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := svc.Routes()

	if rec := postUpload(t, h, "app", "s3cret",
		archiveBytes(t, map[string]string{"x.txt": "one"}), ""); rec.Code != http.StatusCreated {
		t.Fatalf("bootstrap status = %d", rec.Code)
	}
	rec := postUpload(t, h, "app", "s3cret",
		archiveBytes(t, map[string]string{"x.txt": "two"}), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("incremental status = %d", rec.Code)
	}
	var resp struct {
		Update Update `json:"update"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}

	url := "/v1/streams/app/patches/" + strconv.FormatInt(resp.Update.Timestamp, 10)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, url, nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d", rec2.Code)
	}
	if rec2.Body.Len() == 0 {
		t.Fatal("empty patch archive body")
	}

	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, httptest.NewRequest(http.MethodGet, "/v1/streams/app/patches/999999", nil))
	if rec3.Code != http.StatusNotFound {
		t.Fatalf("missing patch status = %d, want 404", rec3.Code)
	}

	rec4 := httptest.NewRecorder()
	h.ServeHTTP(rec4, httptest.NewRequest(http.MethodGet, "/v1/streams/app/patches/not-a-number", nil))
	if rec4.Code != http.StatusBadRequest {
		t.Fatalf("bad timestamp status = %d, want 400", rec4.Code)
	}
}
