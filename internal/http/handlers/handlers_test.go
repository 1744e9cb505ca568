package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/owencairns/ad-generator-sub000/internal/brainstorm"
	"github.com/owencairns/ad-generator-sub000/internal/domain"
	"github.com/owencairns/ad-generator-sub000/internal/repo"
	"github.com/owencairns/ad-generator-sub000/internal/services"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeGen struct {
	calls   int
	gotUser string
	gotGen  string
	gotEdit services.EditRequest
	res     services.Result
	err     error
}

func (f *fakeGen) Generate(_ context.Context, userID, generationID string) (services.Result, error) {
	f.calls++
	f.gotUser, f.gotGen = userID, generationID
	return f.res, f.err
}

func (f *fakeGen) Edit(_ context.Context, req services.EditRequest) (services.Result, error) {
	f.calls++
	f.gotEdit = req
	return f.res, f.err
}

type fakeRecords struct {
	rec      *domain.GenerationRecord
	list     []domain.GenerationRecord
	total    int64
	adjacent domain.Version
	err      error

	gotPage, gotPageSize int
	gotDir               domain.Direction
	gotVersion           string
	calls                int
}

func (f *fakeRecords) Get(context.Context, string, string) (*domain.GenerationRecord, error) {
	f.calls++
	return f.rec, f.err
}

func (f *fakeRecords) ListPage(_ context.Context, _ string, page, pageSize int) ([]domain.GenerationRecord, int64, error) {
	f.calls++
	f.gotPage, f.gotPageSize = page, pageSize
	return f.list, f.total, f.err
}

func (f *fakeRecords) Select(_ context.Context, _, _, versionID string) (*domain.GenerationRecord, error) {
	f.calls++
	f.gotVersion = versionID
	return f.rec, f.err
}

func (f *fakeRecords) Adjacent(_ context.Context, _, _, versionID string, dir domain.Direction) (domain.Version, error) {
	f.calls++
	f.gotVersion, f.gotDir = versionID, dir
	return f.adjacent, f.err
}

func (f *fakeRecords) Retract(_ context.Context, _, _, versionID string) (*domain.GenerationRecord, error) {
	f.calls++
	f.gotVersion = versionID
	return f.rec, f.err
}

type fakeChat struct {
	got   []brainstorm.Message
	reply brainstorm.Reply
	err   error
}

func (f *fakeChat) Chat(_ context.Context, msgs []brainstorm.Message) (brainstorm.Reply, error) {
	f.got = msgs
	return f.reply, f.err
}

// fakeSource replays snaps, then closes the stream when closeAfter is set.
type fakeSource struct {
	snaps      []repo.Snapshot
	closeAfter bool
	err        error
}

func (f *fakeSource) Watch(context.Context, string, string) (<-chan repo.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan repo.Snapshot, len(f.snaps))
	for _, s := range f.snaps {
		ch <- s
	}
	if f.closeAfter {
		close(ch)
	}
	return ch, nil
}

// --- helpers ---

type deps struct {
	gen     *fakeGen
	records *fakeRecords
	chat    *fakeChat
	source  *fakeSource
}

func newDeps() *deps {
	return &deps{gen: &fakeGen{}, records: &fakeRecords{}, chat: &fakeChat{}, source: &fakeSource{}}
}

// router mounts the handlers the way the HTTP layer does. A non-empty uid
// simulates an authenticated caller.
func (d *deps) router(uid string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if uid != "" {
		r.Use(func(c *gin.Context) { c.Set("userID", uid); c.Next() })
	}
	h := New(d.gen, d.records, d.chat, d.source)
	api := r.Group("/api")
	api.POST("/generate/generate-image", h.GenerateImage)
	api.POST("/edit", h.EditImage)
	api.POST("/brainstorm/chat", h.BrainstormChat)
	api.GET("/generations/:userId", h.ListGenerations)
	api.GET("/generations/:userId/:generationId", h.GetGeneration)
	api.GET("/generations/:userId/:generationId/events", h.GenerationEvents)
	api.GET("/generations/:userId/:generationId/versions/:versionId/adjacent", h.AdjacentVersion)
	api.POST("/generations/:userId/:generationId/versions/:versionId/select", h.SelectVersion)
	api.DELETE("/generations/:userId/:generationId/versions/:versionId", h.RetractVersion)
	return r
}

func do(r *gin.Engine, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("error body not JSON: %v (%s)", err, w.Body.String())
	}
	if er.Data == nil || er.Data.Error != er.Message {
		t.Fatalf("data.error must repeat the message: %+v", er)
	}
	return er
}

func completedRecord() *domain.GenerationRecord {
	return &domain.GenerationRecord{
		UserID:            "u1",
		GenerationID:      "g1",
		Status:            domain.StatusCompleted,
		GeneratedImageURL: "https://img/original.png",
		CreatedAt:         t0,
		UpdatedAt:         t0,
	}
}

// --- generate / edit ---

func TestGenerateImage_OK(t *testing.T) {
	d := newDeps()
	w := do(d.router(""), http.MethodPost, "/api/generate/generate-image", `{"userId":"u1","generationId":"g1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var body MessageResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Message != msgGenerated {
		t.Fatalf("message = %q", body.Message)
	}
	if d.gen.gotUser != "u1" || d.gen.gotGen != "g1" {
		t.Fatalf("forwarded %q/%q", d.gen.gotUser, d.gen.gotGen)
	}
}

func TestGenerateImage_BadJSON(t *testing.T) {
	d := newDeps()
	w := do(d.router(""), http.MethodPost, "/api/generate/generate-image", `{"userId":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if er := decodeError(t, w); er.Code != ErrCodeBadRequest {
		t.Fatalf("code = %s", er.Code)
	}
	if d.gen.calls != 0 {
		t.Fatalf("service called on bad JSON")
	}
}

func TestGenerateImage_Ownership(t *testing.T) {
	d := newDeps()
	w := do(d.router("u2"), http.MethodPost, "/api/generate/generate-image", `{"userId":"u1","generationId":"g1"}`)
	if w.Code != http.StatusForbidden || d.gen.calls != 0 {
		t.Fatalf("foreign user: status=%d calls=%d", w.Code, d.gen.calls)
	}

	w = do(d.router("u2"), http.MethodPost, "/api/generate/generate-image", `{"generationId":"g1"}`)
	if w.Code != http.StatusOK || d.gen.gotUser != "u2" {
		t.Fatalf("authenticated user not used: status=%d user=%q", w.Code, d.gen.gotUser)
	}
}

func TestGenerateImage_ServiceErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: missing generationId", services.ErrInvalidRequest), http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrGenerationNotFound, http.StatusNotFound, ErrCodeNotFound},
		{domain.ErrAlreadyGenerated, http.StatusConflict, ErrCodeConflict},
		{services.ErrBusy, http.StatusConflict, ErrCodeBusy},
		{&services.FlowError{Kind: services.ErrStorage, Message: "could not save"}, http.StatusInternalServerError, ErrCodeStorageFailed},
	}
	for _, tc := range cases {
		d := newDeps()
		d.gen.err = tc.err
		w := do(d.router(""), http.MethodPost, "/api/generate/generate-image", `{"userId":"u1","generationId":"g1"}`)
		if w.Code != tc.status {
			t.Fatalf("%v: status=%d want %d", tc.err, w.Code, tc.status)
		}
		if er := decodeError(t, w); er.Code != tc.code {
			t.Fatalf("%v: code=%s want %s", tc.err, er.Code, tc.code)
		}
	}
}

func TestEditImage_OKForwardsOverrides(t *testing.T) {
	d := newDeps()
	d.gen.res = services.Result{ImageURL: "https://img/v1.png", VersionID: "v1"}
	body := `{"sourceImageUrl":"https://img/original.png","editDescription":"sunset","generationId":"g1","userId":"u1","versionId":"v1",
		"style":"bold","aspectRatio":"16:9","template":"product","textInfo":{"headline":"Sale"}}`

	w := do(d.router("u1"), http.MethodPost, "/api/edit", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp EditResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Message != msgEdited || resp.Data.ImageURL != "https://img/v1.png" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	got := d.gen.gotEdit
	if got.UserID != "u1" || got.VersionID != "v1" || got.EditDescription != "sunset" || got.SourceImageURL != "https://img/original.png" {
		t.Fatalf("core fields not forwarded: %+v", got)
	}
	if got.Style != "bold" || got.AspectRatio != "16:9" || got.Template != "product" || got.TextInfo == nil || got.TextInfo.Headline != "Sale" {
		t.Fatalf("overrides not forwarded: %+v", got)
	}
}

func TestEditImage_UpstreamFailurePassesMessageThrough(t *testing.T) {
	d := newDeps()
	raw := "Your request was rejected by the safety system"
	d.gen.err = &services.FlowError{Kind: services.ErrUpstream, Message: raw, Err: errors.New("openai 400")}
	friendly := services.FriendlyError(raw)
	if friendly == raw {
		t.Fatalf("rejection not rewritten")
	}

	w := do(d.router(""), http.MethodPost, "/api/edit", `{"sourceImageUrl":"s","editDescription":"e","generationId":"g1","userId":"u1","versionId":"v1"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	er := decodeError(t, w)
	if er.Code != ErrCodeUpstreamFailed || er.Message != friendly {
		t.Fatalf("unexpected error: %+v", er)
	}
}

// --- brainstorm ---

func TestBrainstormChat(t *testing.T) {
	d := newDeps()
	d.chat.reply = brainstorm.Reply{Response: "Who is it for?", IsComplete: false}
	w := do(d.router(""), http.MethodPost, "/api/brainstorm/chat", `{"messages":[{"role":"user","content":"I sell candles"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var resp ChatResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Response != "Who is it for?" || resp.IsComplete {
		t.Fatalf("unexpected reply: %+v", resp)
	}
	if len(d.chat.got) != 1 || d.chat.got[0].Content != "I sell candles" {
		t.Fatalf("messages not forwarded: %+v", d.chat.got)
	}

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{brainstorm.ErrNotConfigured, http.StatusServiceUnavailable, ErrCodeChatUnavailable},
		{fmt.Errorf("%w: empty", brainstorm.ErrInvalidMessages), http.StatusBadRequest, ErrCodeBadRequest},
		{errors.New("gemini generate: deadline exceeded"), http.StatusInternalServerError, ErrCodeChatFailed},
	}
	for _, tc := range cases {
		d.chat.err = tc.err
		w := do(d.router(""), http.MethodPost, "/api/brainstorm/chat", `{"messages":[]}`)
		if w.Code != tc.status {
			t.Fatalf("%v: status=%d", tc.err, w.Code)
		}
		if er := decodeError(t, w); er.Code != tc.code {
			t.Fatalf("%v: code=%s", tc.err, er.Code)
		}
	}
}

// --- records ---

func TestListGenerations_PaginationClamped(t *testing.T) {
	d := newDeps()
	d.records.list = []domain.GenerationRecord{*completedRecord()}
	d.records.total = 250

	w := do(d.router(""), http.MethodGet, "/api/generations/u1?page=2&page_size=500", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if d.records.gotPage != 2 || d.records.gotPageSize != 100 {
		t.Fatalf("page=%d size=%d", d.records.gotPage, d.records.gotPageSize)
	}
	var resp ListGenerationsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	p := resp.Pagination
	if len(resp.Generations) != 1 || p.Total != 250 || p.TotalPages != 3 || !p.HasNext {
		t.Fatalf("unexpected page: %+v", resp)
	}
}

func TestListGenerations_EmptyIsArray(t *testing.T) {
	d := newDeps()
	w := do(d.router(""), http.MethodGet, "/api/generations/u1?page=x", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"generations":[]`) {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if d.records.gotPage != 1 || d.records.gotPageSize != 20 {
		t.Fatalf("defaults not applied: %d/%d", d.records.gotPage, d.records.gotPageSize)
	}

	d.records.err = errors.New("db down")
	w = do(d.router(""), http.MethodGet, "/api/generations/u1", "")
	if w.Code != http.StatusInternalServerError || decodeError(t, w).Code != ErrCodeListFailed {
		t.Fatalf("list failure: %d %s", w.Code, w.Body.String())
	}
}

func TestGetGeneration_ETag(t *testing.T) {
	d := newDeps()
	d.records.rec = completedRecord().ForDisplay(t0)
	r := d.router("")

	w := do(r, http.MethodGet, "/api/generations/u1/g1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	etag := w.Header().Get("ETag")
	if !strings.HasPrefix(etag, `W/"gen:g1:`) {
		t.Fatalf("etag = %q", etag)
	}
	var rec domain.GenerationRecord
	_ = json.Unmarshal(w.Body.Bytes(), &rec)
	if len(rec.Versions) != 1 || rec.Versions[0].VersionID != domain.OriginalVersionID {
		t.Fatalf("original not present: %+v", rec.Versions)
	}

	w = do(r, http.MethodGet, "/api/generations/u1/g1", "", "If-None-Match", etag)
	if w.Code != http.StatusNotModified || w.Body.Len() != 0 {
		t.Fatalf("conditional GET: status=%d len=%d", w.Code, w.Body.Len())
	}

	d.records.err = services.ErrGenerationNotFound
	w = do(r, http.MethodGet, "/api/generations/u1/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", w.Code)
	}
}

func TestAdjacentVersion(t *testing.T) {
	d := newDeps()
	d.records.adjacent = domain.Version{VersionID: "v2", Status: domain.StatusCompleted, ImageURL: "https://img/v2.png"}
	r := d.router("")

	w := do(r, http.MethodGet, "/api/generations/u1/g1/versions/original/adjacent?direction=sideways", "")
	if w.Code != http.StatusBadRequest || d.records.calls != 0 {
		t.Fatalf("bad direction: status=%d calls=%d", w.Code, d.records.calls)
	}

	w = do(r, http.MethodGet, "/api/generations/u1/g1/versions/original/adjacent?direction=previous", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var resp AdjacentResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Version.VersionID != "v2" || d.records.gotVersion != "original" || d.records.gotDir != domain.Previous {
		t.Fatalf("unexpected: %+v dir=%v", resp, d.records.gotDir)
	}

	d.records.err = domain.ErrNoNavigableVersion
	w = do(r, http.MethodGet, "/api/generations/u1/g1/versions/original/adjacent?direction=next", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("no navigable: status=%d", w.Code)
	}
}

func TestSelectAndRetractVersion(t *testing.T) {
	d := newDeps()
	d.records.rec = completedRecord().ForDisplay(t0)
	r := d.router("")

	w := do(r, http.MethodPost, "/api/generations/u1/g1/versions/original/select", "")
	if w.Code != http.StatusOK || w.Header().Get("ETag") == "" || d.records.gotVersion != "original" {
		t.Fatalf("select: status=%d etag=%q", w.Code, w.Header().Get("ETag"))
	}

	w = do(r, http.MethodDelete, "/api/generations/u1/g1/versions/v9", "")
	if w.Code != http.StatusNoContent || d.records.gotVersion != "v9" {
		t.Fatalf("retract: status=%d version=%q", w.Code, d.records.gotVersion)
	}

	d.records.err = domain.ErrVersionFinalized
	w = do(r, http.MethodDelete, "/api/generations/u1/g1/versions/original", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("retract completed: status=%d", w.Code)
	}
}

// --- events ---

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && cur.name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	return out
}

func TestGenerationEvents_RecordCompletes(t *testing.T) {
	d := newDeps()
	processing := &domain.GenerationRecord{UserID: "u1", GenerationID: "g1", Status: domain.StatusProcessing, CreatedAt: t0, UpdatedAt: t0}
	done := completedRecord()
	done.UpdatedAt = t0.Add(time.Minute)
	d.source.snaps = []repo.Snapshot{{Record: processing}, {Record: done}}

	w := do(d.router(""), http.MethodGet, "/api/generations/u1/g1/events", "")
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream") {
		t.Fatalf("status=%d ct=%q", w.Code, w.Header().Get("Content-Type"))
	}
	evs := readEvents(t, w.Body.String())
	if len(evs) != 3 || evs[0].name != eventSnapshot || evs[1].name != eventSnapshot || evs[2].name != eventDone {
		t.Fatalf("unexpected events: %+v", evs)
	}
	var final StatusEvent
	if err := json.Unmarshal([]byte(evs[2].data), &final); err != nil {
		t.Fatalf("done payload: %v", err)
	}
	if final.Status != domain.StatusCompleted || final.ImageURL != "https://img/original.png" {
		t.Fatalf("unexpected done: %+v", final)
	}
	var snap domain.GenerationRecord
	_ = json.Unmarshal([]byte(evs[1].data), &snap)
	if len(snap.Versions) != 1 || snap.Versions[0].VersionID != domain.OriginalVersionID {
		t.Fatalf("snapshot not in display form: %+v", snap.Versions)
	}
}

func TestGenerationEvents_VersionFails(t *testing.T) {
	d := newDeps()
	rec := completedRecord()
	rec.Versions = []domain.Version{
		{VersionID: "original", Status: domain.StatusCompleted, ImageURL: rec.GeneratedImageURL, CreatedAt: t0, UpdatedAt: t0},
		{VersionID: "v1", Status: domain.StatusError, Error: "Request rejected by the safety system", CreatedAt: t0, UpdatedAt: t0},
	}
	d.source.snaps = []repo.Snapshot{{Record: rec}}

	w := do(d.router(""), http.MethodGet, "/api/generations/u1/g1/events?versionId=v1", "")
	evs := readEvents(t, w.Body.String())
	if len(evs) != 2 || evs[1].name != eventDone {
		t.Fatalf("unexpected events: %+v", evs)
	}
	var final StatusEvent
	_ = json.Unmarshal([]byte(evs[1].data), &final)
	want := services.FriendlyError("Request rejected by the safety system")
	if final.Status != domain.StatusError || final.VersionID != "v1" || final.Error != want {
		t.Fatalf("unexpected done: %+v", final)
	}
}

func TestGenerationEvents_RetractedVersionEndsWithError(t *testing.T) {
	d := newDeps()
	with := completedRecord()
	with.Versions = []domain.Version{
		{VersionID: "original", Status: domain.StatusCompleted, ImageURL: with.GeneratedImageURL, CreatedAt: t0, UpdatedAt: t0},
		{VersionID: "v1", Status: domain.StatusProcessing, CreatedAt: t0, UpdatedAt: t0},
	}
	without := with.Clone()
	without.Versions = without.Versions[:1]
	d.source.snaps = []repo.Snapshot{{Record: with}, {Record: without}}

	w := do(d.router(""), http.MethodGet, "/api/generations/u1/g1/events?versionId=v1", "")
	evs := readEvents(t, w.Body.String())
	last := evs[len(evs)-1]
	if last.name != eventError || !strings.Contains(last.data, "version not found") {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestGenerationEvents_StreamClosedAndNotFound(t *testing.T) {
	d := newDeps()
	d.source.snaps = []repo.Snapshot{{Record: &domain.GenerationRecord{UserID: "u1", GenerationID: "g1", Status: domain.StatusProcessing}}}
	d.source.closeAfter = true
	w := do(d.router(""), http.MethodGet, "/api/generations/u1/g1/events", "")
	evs := readEvents(t, w.Body.String())
	if len(evs) != 2 || evs[1].name != eventError {
		t.Fatalf("closed stream: %+v", evs)
	}

	d = newDeps()
	d.source.err = repo.ErrNotFound
	w = do(d.router(""), http.MethodGet, "/api/generations/u1/missing/events", "")
	if w.Code != http.StatusNotFound || decodeError(t, w).Code != ErrCodeNotFound {
		t.Fatalf("missing record: status=%d body=%s", w.Code, w.Body.String())
	}

	d = newDeps()
	d.source.snaps = []repo.Snapshot{{Err: errors.New("listener failed")}}
	w = do(d.router(""), http.MethodGet, "/api/generations/u1/g1/events", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("first snapshot error: status=%d", w.Code)
	}
}
