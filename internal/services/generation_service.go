// Package services – GenerationService
//
// This file implements GenerationService, the one orchestration routine
// behind both the initial image generation and every later edit. A create and
// an edit differ only in the job value handed to submit: which transition
// opens the flow, which images are sent to the model, and which transition
// closes it.
//
// Flow: validate → lock the record → open (processing) → fetch source images
// → call the image model → upload the result → close (completed). Any failure
// after the record was opened reverts it: a failed create leaves the record in
// error, a failed edit leaves the parent completed with the version marked
// failed. The record write is always the final step.
//
// Observability: submit is OpenTelemetry-instrumented and every finished flow
// is counted by kind and outcome.

package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/owencairns/ad-generator-sub000/internal/domain"
	"github.com/owencairns/ad-generator-sub000/internal/imagegen"
	"github.com/owencairns/ad-generator-sub000/internal/lock"
	"github.com/owencairns/ad-generator-sub000/internal/observability"
	"github.com/owencairns/ad-generator-sub000/internal/repo"
	"github.com/owencairns/ad-generator-sub000/internal/storage"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultLockTTL     = 10 * time.Minute
	defaultFlowTimeout = 5 * time.Minute
	failureWriteBudget = 10 * time.Second

	msgFetchFailed  = "We couldn't load one of the source images. Please re-upload it and try again."
	msgUploadFailed = "The image was generated but could not be saved. Please try again."
)

// ImageGenerator is the image model client.
type ImageGenerator interface {
	Generate(ctx context.Context, req imagegen.GenerateRequest) (imagegen.Result, error)
	Edit(ctx context.Context, req imagegen.EditRequest) (imagegen.Result, error)
}

// ImageFetcher resolves image references into bytes, in input order.
type ImageFetcher interface {
	FetchAll(ctx context.Context, refs []string) ([]storage.Image, error)
}

// GenerationService runs create and edit flows.
type GenerationService struct {
	Store   repo.GenerationStore
	Images  ImageGenerator
	Fetcher ImageFetcher
	Objects storage.ObjectStore
	Locks   lock.Locker

	// LockTTL bounds how long a crashed flow can keep its record locked.
	LockTTL time.Duration
	// FlowTimeout bounds one flow end to end. The flow is detached from the
	// caller's cancellation so a closed browser tab cannot strand a record
	// in processing.
	FlowTimeout time.Duration

	Now func() time.Time
}

// EditRequest is one edit of an existing generation. The optional fields
// override the stored record when building the prompt; they are not persisted.
type EditRequest struct {
	UserID          string
	GenerationID    string
	VersionID       string
	SourceImageURL  string
	EditDescription string

	Description        string
	ProductDescription string
	Style              string
	AspectRatio        string
	Template           string
	TextInfo           *domain.TextOverlay
}

// Result is a successful flow.
type Result struct {
	ImageURL  string
	VersionID string
	Prompt    string
}

type jobKind int

const (
	jobCreate jobKind = iota
	jobEdit
)

func (k jobKind) String() string {
	if k == jobEdit {
		return "edit"
	}
	return "create"
}

// job is the variant handed to submit.
type job struct {
	kind         jobKind
	userID       string
	generationID string
	edit         EditRequest // jobEdit only
}

// Generate produces the first image of a record the client already wrote.
func (s *GenerationService) Generate(ctx context.Context, userID, generationID string) (Result, error) {
	return s.submit(ctx, job{
		kind:         jobCreate,
		userID:       strings.TrimSpace(userID),
		generationID: strings.TrimSpace(generationID),
	})
}

// Edit produces a new version of a record from one of its images.
func (s *GenerationService) Edit(ctx context.Context, req EditRequest) (Result, error) {
	req.VersionID = strings.TrimSpace(req.VersionID)
	req.SourceImageURL = strings.TrimSpace(req.SourceImageURL)
	req.EditDescription = strings.TrimSpace(req.EditDescription)
	return s.submit(ctx, job{
		kind:         jobEdit,
		userID:       strings.TrimSpace(req.UserID),
		generationID: strings.TrimSpace(req.GenerationID),
		edit:         req,
	})
}

func (j job) validate() error {
	var missing []string
	if j.userID == "" {
		missing = append(missing, "userId")
	}
	if j.generationID == "" {
		missing = append(missing, "generationId")
	}
	if j.kind == jobEdit {
		if j.edit.VersionID == "" {
			missing = append(missing, "versionId")
		}
		if j.edit.SourceImageURL == "" {
			missing = append(missing, "sourceImageUrl")
		}
		if j.edit.EditDescription == "" {
			missing = append(missing, "editDescription")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if j.kind == jobEdit && (j.edit.VersionID == domain.OriginalVersionID || !domain.ValidVersionID(j.edit.VersionID)) {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, domain.ErrInvalidVersionID)
	}
	if _, err := j.imageKey(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func (j job) lockKey() string { return j.userID + "/" + j.generationID }

// imageName is the object name of the produced image.
func (j job) imageName() string {
	if j.kind == jobEdit {
		return j.edit.VersionID
	}
	return domain.OriginalVersionID
}

func (j job) imageKey() (string, error) {
	return storage.ImageKey(j.userID, j.generationID, j.imageName())
}

func (j job) open(r *domain.GenerationRecord, now time.Time) error {
	if j.kind == jobEdit {
		return r.StartEdit(j.edit.VersionID, j.edit.EditDescription, j.edit.SourceImageURL, now)
	}
	return r.BeginCreate(now)
}

func (j job) complete(r *domain.GenerationRecord, imageURL, prompt string, now time.Time) error {
	if j.kind == jobEdit {
		return r.CompleteEdit(j.edit.VersionID, imageURL, now)
	}
	if err := r.CompleteCreate(imageURL, now); err != nil {
		return err
	}
	r.Prompt = prompt
	return nil
}

func (j job) fail(r *domain.GenerationRecord, msg string, now time.Time) error {
	if j.kind == jobEdit {
		return r.FailEdit(j.edit.VersionID, msg, domain.MarkFailed, now)
	}
	return r.FailCreate(msg, now)
}

// inputs lists the image references and prompt for the model call.
func (j job) inputs(rec *domain.GenerationRecord) (refs []string, prompt, size string) {
	parts := partsFromRecord(rec)
	if j.kind == jobEdit {
		parts = parts.withEdit(j.edit)
		refs = append([]string{j.edit.SourceImageURL}, rec.ProductImageURLs...)
		prompt = parts.editPrompt(j.edit.EditDescription)
	} else {
		refs = append(append([]string{}, rec.ProductImageURLs...), rec.InspirationImageURLs...)
		prompt = parts.createPrompt()
	}
	return refs, prompt, imagegen.SizeForAspectRatio(parts.AspectRatio)
}

func (s *GenerationService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *GenerationService) lockTTL() time.Duration {
	if s.LockTTL > 0 {
		return s.LockTTL
	}
	return defaultLockTTL
}

func (s *GenerationService) flowTimeout() time.Duration {
	if s.FlowTimeout > 0 {
		return s.FlowTimeout
	}
	return defaultFlowTimeout
}

func (s *GenerationService) submit(ctx context.Context, j job) (res Result, err error) {
	tr := otel.Tracer("services/GenerationService")
	ctx, span := tr.Start(ctx, "submit",
		trace.WithAttributes(
			attribute.String("job.kind", j.kind.String()),
			attribute.String("user.id", j.userID),
			attribute.String("generation.id", j.generationID),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := j.validate(); err != nil {
		observability.ObserveGeneration(j.kind.String(), "rejected")
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flowTimeout())
	defer cancel()

	release, err := s.Locks.TryLock(ctx, j.lockKey(), s.lockTTL())
	if err != nil {
		observability.ObserveGeneration(j.kind.String(), "rejected")
		if errors.Is(err, lock.ErrLocked) {
			return Result{}, ErrBusy
		}
		return Result{}, fmt.Errorf("acquire record lock: %w", err)
	}
	defer release()

	rec, err := s.Store.Update(ctx, j.userID, j.generationID, func(r *domain.GenerationRecord) error {
		return j.open(r, s.now())
	})
	if err != nil {
		observability.ObserveGeneration(j.kind.String(), "rejected")
		if errors.Is(err, repo.ErrNotFound) {
			return Result{}, ErrGenerationNotFound
		}
		return Result{}, err
	}

	logger := log.With().
		Str("user_id", j.userID).
		Str("generation_id", j.generationID).
		Str("kind", j.kind.String()).
		Logger()
	if j.kind == jobEdit {
		logger = logger.With().Str("version_id", j.edit.VersionID).Logger()
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("generation flow panicked")
			res = Result{}
			err = s.fail(ctx, j, &FlowError{
				Kind:    ErrInternal,
				Message: domain.DefaultFailureMessage,
				Err:     fmt.Errorf("panic: %v", p),
			}, logger)
		}
	}()

	imageURL, prompt, ferr := s.produce(ctx, j, rec, logger)
	if ferr != nil {
		return Result{}, s.fail(ctx, j, ferr, logger)
	}

	_, err = s.Store.Update(ctx, j.userID, j.generationID, func(r *domain.GenerationRecord) error {
		return j.complete(r, imageURL, prompt, s.now())
	})
	if err != nil {
		return Result{}, s.fail(ctx, j, &FlowError{
			Kind:    ErrInternal,
			Message: domain.DefaultFailureMessage,
			Err:     fmt.Errorf("persist result: %w", err),
		}, logger)
	}

	observability.ObserveGeneration(j.kind.String(), "completed")
	logger.Info().Str("image_url", imageURL).Msg("generation completed")
	res = Result{ImageURL: imageURL, Prompt: prompt}
	if j.kind == jobEdit {
		res.VersionID = j.edit.VersionID
	}
	return res, nil
}

// produce runs the external part of the flow: fetch, model call, upload.
func (s *GenerationService) produce(ctx context.Context, j job, rec *domain.GenerationRecord, logger zerolog.Logger) (string, string, *FlowError) {
	refs, prompt, size := j.inputs(rec)

	var images []storage.Image
	if len(refs) > 0 {
		var err error
		images, err = s.Fetcher.FetchAll(ctx, refs)
		if err != nil {
			return "", "", &FlowError{Kind: ErrStorage, Message: msgFetchFailed, Err: fmt.Errorf("fetch source images: %w", err)}
		}
	}

	logger.Debug().Int("images", len(images)).Str("size", size).Msg("calling image model")
	var (
		out imagegen.Result
		err error
	)
	if len(images) == 0 {
		out, err = s.Images.Generate(ctx, imagegen.GenerateRequest{Prompt: prompt, Size: size})
	} else {
		inputs := make([]imagegen.Input, len(images))
		for i, img := range images {
			inputs[i] = imagegen.Input{Data: img.Data, ContentType: img.ContentType}
		}
		out, err = s.Images.Edit(ctx, imagegen.EditRequest{Prompt: prompt, Images: inputs, Size: size})
	}
	if err != nil {
		msg := err.Error()
		var apiErr *imagegen.APIError
		if errors.As(err, &apiErr) {
			msg = apiErr.Message
		}
		return "", "", &FlowError{Kind: ErrUpstream, Message: msg, Err: err}
	}

	key, err := j.imageKey()
	if err != nil {
		return "", "", &FlowError{Kind: ErrInternal, Message: domain.DefaultFailureMessage, Err: err}
	}
	url, err := s.Objects.Put(ctx, key, out.Data, "image/png")
	if err != nil {
		return "", "", &FlowError{Kind: ErrStorage, Message: msgUploadFailed, Err: fmt.Errorf("upload %s: %w", key, err)}
	}
	return url, prompt, nil
}

// fail reverts the record and returns ferr. A failure to write the revert is
// only logged: the record stays processing until the reconciler picks it up.
func (s *GenerationService) fail(ctx context.Context, j job, ferr *FlowError, logger zerolog.Logger) error {
	logger.Error().Err(ferr.Err).Str("message", ferr.Message).Msg("generation failed")
	observability.ObserveGeneration(j.kind.String(), "failed")

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteBudget)
	defer cancel()
	_, err := s.Store.Update(wctx, j.userID, j.generationID, func(r *domain.GenerationRecord) error {
		return j.fail(r, ferr.Message, s.now())
	})
	if err != nil {
		logger.Error().Err(err).Msg("could not record generation failure")
	}
	return ferr
}
