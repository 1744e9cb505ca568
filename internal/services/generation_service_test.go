package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/owencairns/ad-generator-sub000/internal/domain"
	"github.com/owencairns/ad-generator-sub000/internal/imagegen"
	"github.com/owencairns/ad-generator-sub000/internal/lock"
	"github.com/owencairns/ad-generator-sub000/internal/repo"
	"github.com/owencairns/ad-generator-sub000/internal/storage"
)

// 1x1 transparent PNG.
var pngBytes, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=")

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// ----- Fakes -----

type fakeImages struct {
	mu        sync.Mutex
	genCalls  int
	editCalls int
	lastGen   imagegen.GenerateRequest
	lastEdit  imagegen.EditRequest
	err       error
	panicWith any
}

func (f *fakeImages) Generate(ctx context.Context, req imagegen.GenerateRequest) (imagegen.Result, error) {
	f.mu.Lock()
	f.genCalls++
	f.lastGen = req
	f.mu.Unlock()
	return f.result()
}

func (f *fakeImages) Edit(ctx context.Context, req imagegen.EditRequest) (imagegen.Result, error) {
	f.mu.Lock()
	f.editCalls++
	f.lastEdit = req
	f.mu.Unlock()
	return f.result()
}

func (f *fakeImages) result() (imagegen.Result, error) {
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.err != nil {
		return imagegen.Result{}, f.err
	}
	return imagegen.Result{Data: pngBytes, ContentType: "image/png"}, nil
}

// ----- Fixture -----

type fixture struct {
	store   *repo.SQLStore
	objects *storage.LocalStore
	images  *fakeImages
	locks   *lock.Memory
	svc     *GenerationService
	now     time.Time
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	objects, err := storage.NewLocalStore(t.TempDir(), "http://backend.test")
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	f := &fixture{
		store:   repo.NewSQLStore(newTestDB(t)),
		objects: objects,
		images:  &fakeImages{},
		locks:   lock.NewMemory(),
		now:     t0.Add(time.Minute),
	}
	f.svc = &GenerationService{
		Store:   f.store,
		Images:  f.images,
		Fetcher: &storage.Fetcher{Store: objects},
		Objects: objects,
		Locks:   f.locks,
		Now:     func() time.Time { return f.now },
	}
	return f
}

func (f *fixture) seed(t *testing.T, rec domain.GenerationRecord) {
	t.Helper()
	if rec.UserID == "" {
		rec.UserID = "u1"
	}
	if rec.GenerationID == "" {
		rec.GenerationID = "g1"
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt, rec.UpdatedAt = t0, t0
	}
	if err := f.store.Create(context.Background(), &rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (f *fixture) upload(t *testing.T, key string) string {
	t.Helper()
	u, err := f.objects.Put(context.Background(), key, pngBytes, "image/png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return u
}

func (f *fixture) get(t *testing.T) *domain.GenerationRecord {
	t.Helper()
	rec, err := f.store.Get(context.Background(), "u1", "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return rec
}

// completedRecord is a record whose first image exists only as
// generatedImageUrl, the shape older documents have.
func (f *fixture) completedRecord(t *testing.T) string {
	key, err := storage.ImageKey("u1", "g1", "original")
	if err != nil {
		t.Fatal(err)
	}
	orig := f.upload(t, key)
	f.seed(t, domain.GenerationRecord{
		Status:            domain.StatusCompleted,
		GeneratedImageURL: orig,
		Description:       "summer sale",
	})
	return orig
}

// ----- Tests -----

func TestGenerate_HappyPath(t *testing.T) {
	f := newFixture(t)
	product := f.upload(t, "uploads/u1/product.png")
	f.seed(t, domain.GenerationRecord{
		Status:             domain.StatusProcessing,
		ProductDescription: "trail running shoe",
		Style:              "minimal-modern",
		AspectRatio:        "1:1",
		ProductImageURLs:   []string{product},
	})

	res, err := f.svc.Generate(context.Background(), " u1 ", "g1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	wantURL := "http://backend.test/files/generatedImages/u1/g1/original.png"
	if res.ImageURL != wantURL {
		t.Fatalf("url = %s", res.ImageURL)
	}
	if f.images.editCalls != 1 || len(f.images.lastEdit.Images) != 1 || f.images.lastEdit.Size != "1024x1024" {
		t.Fatalf("edit calls = %d, last = %+v", f.images.editCalls, f.images.lastEdit.Size)
	}
	if !strings.Contains(f.images.lastEdit.Prompt, "Minimal Modern") {
		t.Fatalf("prompt missing style: %q", f.images.lastEdit.Prompt)
	}

	rec := f.get(t)
	if rec.Status != domain.StatusCompleted || rec.GeneratedImageURL != wantURL || rec.Prompt == "" {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Versions) != 1 || rec.Versions[0].VersionID != domain.OriginalVersionID || rec.Versions[0].ImageURL != rec.GeneratedImageURL {
		t.Fatalf("versions = %+v", rec.Versions)
	}
}

func TestGenerate_TextOnlyUsesGenerate(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.GenerationRecord{Status: domain.StatusProcessing, Description: "coffee ad", AspectRatio: "9:16"})

	if _, err := f.svc.Generate(context.Background(), "u1", "g1"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if f.images.genCalls != 1 || f.images.editCalls != 0 || f.images.lastGen.Size != "1024x1536" {
		t.Fatalf("gen=%d edit=%d size=%s", f.images.genCalls, f.images.editCalls, f.images.lastGen.Size)
	}
}

func TestGenerate_UpstreamRejectionMarksRecordError(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.GenerationRecord{Status: domain.StatusProcessing, Description: "x"})
	f.images.err = &imagegen.APIError{StatusCode: 400, Message: "Your request was rejected as a result of our safety system."}

	_, err := f.svc.Generate(context.Background(), "u1", "g1")
	var ferr *FlowError
	if !errors.As(err, &ferr) || !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want upstream FlowError", err)
	}
	// The record keeps the upstream text; responses apply FriendlyError.
	const upstream = "Your request was rejected as a result of our safety system."
	if ferr.Message != upstream {
		t.Fatalf("message = %q", ferr.Message)
	}
	rec := f.get(t)
	if rec.Status != domain.StatusError || rec.Error != upstream || len(rec.Versions) != 0 {
		t.Fatalf("record = %+v", rec)
	}

	// A failed create may be resubmitted.
	f.images.err = nil
	if _, err := f.svc.Generate(context.Background(), "u1", "g1"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if rec := f.get(t); rec.Status != domain.StatusCompleted || rec.Error != "" {
		t.Fatalf("after resubmit = %+v", rec)
	}
}

func TestGenerate_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Generate(ctx, "", "g1"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("blank user err = %v", err)
	}
	if _, err := f.svc.Generate(ctx, "u1", "nope"); !errors.Is(err, ErrGenerationNotFound) {
		t.Fatalf("missing err = %v", err)
	}

	f.completedRecord(t)
	if _, err := f.svc.Generate(ctx, "u1", "g1"); !errors.Is(err, domain.ErrAlreadyGenerated) {
		t.Fatalf("regenerate err = %v", err)
	}
	if f.images.genCalls+f.images.editCalls != 0 {
		t.Fatalf("image model called on rejected request")
	}
}

func TestEdit_HappyPathBackfillsOriginal(t *testing.T) {
	f := newFixture(t)
	orig := f.completedRecord(t)

	res, err := f.svc.Edit(context.Background(), EditRequest{
		UserID:          "u1",
		GenerationID:    "g1",
		VersionID:       "v1",
		SourceImageURL:  orig,
		EditDescription: "make the background blue",
		Style:           "bold",
	})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if res.VersionID != "v1" || !strings.HasSuffix(res.ImageURL, "/generatedImages/u1/g1/v1.png") {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(f.images.lastEdit.Prompt, "make the background blue") {
		t.Fatalf("prompt = %q", f.images.lastEdit.Prompt)
	}

	rec := f.get(t)
	if rec.Status != domain.StatusCompleted || rec.GeneratedImageURL != res.ImageURL {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Versions) != 2 || rec.Versions[0].VersionID != domain.OriginalVersionID || rec.Versions[0].ImageURL != orig {
		t.Fatalf("versions = %+v", rec.Versions)
	}
	v := rec.Versions[1]
	if v.VersionID != "v1" || v.Status != domain.StatusCompleted || v.SourceImageURL != orig {
		t.Fatalf("v1 = %+v", v)
	}
}

func TestEdit_FailureRevertsParentToCompleted(t *testing.T) {
	f := newFixture(t)
	orig := f.completedRecord(t)
	f.images.err = errors.New("connection reset")

	_, err := f.svc.Edit(context.Background(), EditRequest{
		UserID: "u1", GenerationID: "g1", VersionID: "v1", SourceImageURL: orig, EditDescription: "brighter",
	})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v", err)
	}
	rec := f.get(t)
	if rec.Status != domain.StatusCompleted || rec.GeneratedImageURL != orig {
		t.Fatalf("parent = %+v", rec)
	}
	i := rec.FindVersion("v1")
	if i < 0 || rec.Versions[i].Status != domain.StatusError || rec.Versions[i].Error != "connection reset" {
		t.Fatalf("versions = %+v", rec.Versions)
	}
}

func TestEdit_FetchFailureIsStorageError(t *testing.T) {
	f := newFixture(t)
	f.completedRecord(t)

	_, err := f.svc.Edit(context.Background(), EditRequest{
		UserID: "u1", GenerationID: "g1", VersionID: "v1", SourceImageURL: "data:text/plain,hello", EditDescription: "x",
	})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v", err)
	}
	rec := f.get(t)
	if i := rec.FindVersion("v1"); i < 0 || rec.Versions[i].Error != msgFetchFailed {
		t.Fatalf("versions = %+v", rec.Versions)
	}
	if f.images.editCalls != 0 {
		t.Fatalf("image model called after fetch failure")
	}
}

func TestEdit_Validation(t *testing.T) {
	f := newFixture(t)
	orig := f.completedRecord(t)
	ctx := context.Background()

	cases := []EditRequest{
		{UserID: "u1", GenerationID: "g1", SourceImageURL: orig, EditDescription: "x"},
		{UserID: "u1", GenerationID: "g1", VersionID: "v1", EditDescription: "x"},
		{UserID: "u1", GenerationID: "g1", VersionID: "v1", SourceImageURL: orig, EditDescription: "  "},
		{UserID: "u1", GenerationID: "g1", VersionID: "original", SourceImageURL: orig, EditDescription: "x"},
	}
	for i, req := range cases {
		if _, err := f.svc.Edit(ctx, req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: err = %v", i, err)
		}
	}
	if rec := f.get(t); len(rec.Versions) != 0 || rec.Status != domain.StatusCompleted {
		t.Fatalf("validation mutated record: %+v", rec)
	}
}

func TestEdit_VersionIDCannotEscapeRecordFolder(t *testing.T) {
	f := newFixture(t)
	orig := f.completedRecord(t)
	otherKey, err := storage.ImageKey("u2", "g2", "original")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.objects.Put(context.Background(), otherKey, []byte("theirs"), "image/png"); err != nil {
		t.Fatal(err)
	}

	for _, req := range []EditRequest{
		{UserID: "u1", GenerationID: "g1", VersionID: "../../u2/g2/original", SourceImageURL: orig, EditDescription: "x"},
		{UserID: "u1", GenerationID: "g1", VersionID: "v1.png", SourceImageURL: orig, EditDescription: "x"},
		{UserID: "u1", GenerationID: "../u2", VersionID: "v1", SourceImageURL: orig, EditDescription: "x"},
	} {
		_, err := f.svc.Edit(context.Background(), req)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%+v: err = %v, want ErrInvalidRequest", req, err)
		}
	}
	if f.images.editCalls != 0 {
		t.Fatalf("image model called for unsafe ids")
	}
	data, _, err := f.objects.Read(context.Background(), otherKey)
	if err != nil || string(data) != "theirs" {
		t.Fatalf("other record's image changed: %q, %v", data, err)
	}
	if rec := f.get(t); len(rec.Versions) != 0 || rec.Status != domain.StatusCompleted {
		t.Fatalf("record mutated: %+v", rec)
	}
}

func TestEdit_DuplicateVersionRejected(t *testing.T) {
	f := newFixture(t)
	orig := f.completedRecord(t)
	req := EditRequest{UserID: "u1", GenerationID: "g1", VersionID: "v1", SourceImageURL: orig, EditDescription: "x"}

	if _, err := f.svc.Edit(context.Background(), req); err != nil {
		t.Fatalf("first edit: %v", err)
	}
	if _, err := f.svc.Edit(context.Background(), req); !errors.Is(err, domain.ErrDuplicateVersion) {
		t.Fatalf("second edit err = %v", err)
	}
	if f.images.editCalls != 1 {
		t.Fatalf("edit calls = %d", f.images.editCalls)
	}
}

func TestEdit_BusyWhileLocked(t *testing.T) {
	f := newFixture(t)
	orig := f.completedRecord(t)

	release, err := f.locks.TryLock(context.Background(), "u1/g1", time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	_, err = f.svc.Edit(context.Background(), EditRequest{
		UserID: "u1", GenerationID: "g1", VersionID: "v1", SourceImageURL: orig, EditDescription: "x",
	})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if rec := f.get(t); rec.Status != domain.StatusCompleted || len(rec.Versions) != 0 {
		t.Fatalf("busy edit mutated record: %+v", rec)
	}
}

func TestEdit_PanicIsRecoveredAndReverted(t *testing.T) {
	f := newFixture(t)
	orig := f.completedRecord(t)
	f.images.panicWith = "boom"

	_, err := f.svc.Edit(context.Background(), EditRequest{
		UserID: "u1", GenerationID: "g1", VersionID: "v1", SourceImageURL: orig, EditDescription: "x",
	})
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("err = %v", err)
	}
	rec := f.get(t)
	if i := rec.FindVersion("v1"); rec.Status != domain.StatusCompleted || i < 0 || rec.Versions[i].Status != domain.StatusError {
		t.Fatalf("record = %+v", rec)
	}
	// Lock must be released after the panic.
	if r, err := f.locks.TryLock(context.Background(), "u1/g1", time.Minute); err != nil {
		t.Fatalf("lock still held: %v", err)
	} else {
		r()
	}
}

func TestEdit_SurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	orig := f.completedRecord(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.svc.Edit(ctx, EditRequest{
		UserID: "u1", GenerationID: "g1", VersionID: "v1", SourceImageURL: orig, EditDescription: "x",
	}); err != nil {
		t.Fatalf("Edit with cancelled caller: %v", err)
	}
	if rec := f.get(t); rec.Status != domain.StatusCompleted || rec.FindVersion("v1") < 0 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestFriendlyError(t *testing.T) {
	for _, msg := range []string{
		"Your request was rejected as a result of our safety system.",
		"This content is NOT ALLOWED",
		"request Rejected",
	} {
		if got := FriendlyError(msg); got != friendlyRejection {
			t.Fatalf("FriendlyError(%q) = %q", msg, got)
		}
	}
	if got := FriendlyError("rate limit exceeded"); got != "rate limit exceeded" {
		t.Fatalf("passthrough = %q", got)
	}
}
