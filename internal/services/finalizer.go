package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"bookscan/internal/models"
	"bookscan/internal/store"

	log "github.com/sirupsen/logrus"
)

// Stage output fields the gate reads when building pages.
const (
	StageUpscale = "upscale"
	StageOCR     = "ocr"
)

// UpscaleOutput is the payload the upscale stage records.
type UpscaleOutput struct {
	UpscaledImageKey string `json:"upscaled_image_key"`
}

// OCROutput is the payload the OCR stage records.
type OCROutput struct {
	OCROutputKey string `json:"ocr_output_key"`
}

// AssembleRequest is what the assembler receives for one run.
type AssembleRequest struct {
	RunID          string        `json:"run_id"`
	InputLocation  string        `json:"input_location"`
	TempLocation   string        `json:"temp_location"`
	OutputLocation string        `json:"output_location"`
	Pages          []models.Page `json:"pages"`
}

// Assembler turns the ordered pages of a run into the final document.
type Assembler interface {
	Assemble(ctx context.Context, req AssembleRequest) (outputKey string, err error)
}

// FinalizationGate refuses to assemble while any item is in flight.
type FinalizationGate struct {
	store      store.StateStore
	assembler  Assembler
	covers     CoverRules
	maxRetries int
	now        func() time.Time
	logger     log.FieldLogger
}

func NewFinalizationGate(st store.StateStore, assembler Assembler, covers CoverRules, maxRetries int) *FinalizationGate {
	if covers == (CoverRules{}) {
		covers = DefaultCoverRules()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &FinalizationGate{store: st, assembler: assembler, covers: covers, maxRetries: maxRetries, now: time.Now, logger: log.StandardLogger()}
}

// Finalize validates the run state, orders the completed pages and hands them to
// the assembler. Items still PROCESSING yield a retryable StateConsistencyError
// and items still waiting for dispatch a retryable OutstandingWorkError. A run
// without completed items yields a permanent ErrNothingToAssemble.
func (g *FinalizationGate) Finalize(ctx context.Context, req models.FinalizeRequest) (*models.FinalizeResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, models.Permanent("finalize", err)
	}
	logger := g.logger.WithField("run_id", req.RunID)

	items, err := g.store.QueryRun(ctx, req.RunID)
	if err != nil {
		return nil, classifyStoreError("query run items", err)
	}

	var completed []*models.WorkItem
	processing, outstanding, failed := 0, 0, 0
	for _, it := range items {
		switch it.Status {
		case models.StatusProcessing:
			processing++
		case models.StatusCompleted:
			completed = append(completed, it)
		case models.StatusFailedPermanent:
			failed++
		case models.StatusFailedRetryable:
			if it.Attempts >= g.maxRetries {
				failed++
			} else {
				outstanding++
			}
		default:
			outstanding++
		}
	}
	if processing > 0 {
		return nil, models.StateConsistencyError(req.RunID, processing)
	}
	if outstanding > 0 {
		return nil, models.OutstandingWorkError(req.RunID, outstanding)
	}
	if len(completed) == 0 {
		return nil, models.Permanent("finalize", fmt.Errorf("run %s: %w", req.RunID, models.ErrNothingToAssemble))
	}

	pages := g.OrderPages(completed, req)
	if len(pages) == 0 {
		return nil, models.Permanent("finalize", fmt.Errorf("run %s has no pages with output: %w", req.RunID, models.ErrNothingToAssemble))
	}

	outputKey, err := g.assembler.Assemble(ctx, AssembleRequest{
		RunID:          req.RunID,
		InputLocation:  req.InputLocation,
		TempLocation:   req.TempLocation,
		OutputLocation: req.OutputLocation,
		Pages:          pages,
	})
	if err != nil {
		return nil, models.Transient("assemble", err)
	}

	resp := &models.FinalizeResponse{
		OutputKey:      outputKey,
		PageCount:      len(pages),
		CompletedCount: len(completed),
		FailedCount:    failed,
	}
	if err := g.recordSummary(ctx, req.RunID, resp); err != nil {
		logger.WithError(err).Warn("failed to record final run summary")
	}
	logger.WithFields(log.Fields{"output_key": outputKey, "pages": resp.PageCount, "failed": failed}).Info("run finalized")
	return resp, nil
}

// OrderPages sorts completed items by base file name and places the front cover
// first and the back cover last. Items without an output image are skipped.
func (g *FinalizationGate) OrderPages(completed []*models.WorkItem, req models.FinalizeRequest) []models.Page {
	var front, back *models.Page
	regular := make([]models.Page, 0, len(completed))
	for _, it := range completed {
		page, ok := g.pageFor(it, req)
		if !ok {
			continue
		}
		switch {
		case it.IsCover && g.covers.IsFront(it.ItemKey):
			front = &page
		case it.IsCover && g.covers.IsBack(it.ItemKey):
			back = &page
		default:
			regular = append(regular, page)
		}
	}
	sort.SliceStable(regular, func(i, j int) bool {
		return path.Base(regular[i].ItemKey) < path.Base(regular[j].ItemKey)
	})

	pages := make([]models.Page, 0, len(regular)+2)
	if front != nil {
		pages = append(pages, *front)
	}
	pages = append(pages, regular...)
	if back != nil {
		pages = append(pages, *back)
	}
	for i := range pages {
		pages[i].PageIndex = i
	}
	return pages
}

func (g *FinalizationGate) pageFor(it *models.WorkItem, req models.FinalizeRequest) (models.Page, bool) {
	if it.IsCover {
		return models.Page{ItemKey: it.ItemKey, ImageKey: it.ItemKey, Location: req.InputLocation, IsCover: true}, true
	}
	var up UpscaleOutput
	if ok, err := it.Output(StageUpscale, &up); !ok || err != nil || up.UpscaledImageKey == "" {
		g.logger.WithFields(log.Fields{"run_id": it.RunID, "item_key": it.ItemKey}).Warn("completed item has no upscaled image, skipping")
		return models.Page{}, false
	}
	page := models.Page{ItemKey: it.ItemKey, ImageKey: up.UpscaledImageKey, Location: req.TempLocation}
	var ocr OCROutput
	if ok, err := it.Output(StageOCR, &ocr); ok && err == nil {
		page.TextKey = ocr.OCROutputKey
	}
	return page, true
}

func (g *FinalizationGate) recordSummary(ctx context.Context, runID string, resp *models.FinalizeResponse) error {
	run, err := g.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := g.now().UTC()
	run.Status = models.RunCompleted
	run.CompletedItems = resp.CompletedCount
	run.FailedItems = resp.FailedCount
	run.OutputKey = resp.OutputKey
	if run.CompletedAt == nil {
		run.CompletedAt = &now
	}
	return g.store.PutRun(ctx, run)
}
