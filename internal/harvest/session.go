package harvest

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mdverse/mdverse-harvest/internal/config"
	"github.com/mdverse/mdverse-harvest/internal/filter"
	"github.com/mdverse/mdverse-harvest/internal/merge"
	"github.com/mdverse/mdverse-harvest/internal/model"
	"github.com/mdverse/mdverse-harvest/internal/paginate"
	"github.com/mdverse/mdverse-harvest/internal/snapshot"
)

// Options wires a Session.
type Options struct {
	Source    Source
	Query     *config.Query
	Walker    *paginate.Walker
	PageSize  int
	OutputDir string
	Writer    *snapshot.Writer
	// Ledger is optional.
	Ledger Ledger
	Now    func() time.Time

	// Fetch settings applied by the Pool and Requester behind Source and
	// Walker. Recorded here for the run log.
	Concurrency     int
	PolitenessDelay time.Duration
	MaxAttempts     int
}

// Session is a single harvest run. It is not reusable.
type Session struct {
	opts       Options
	repo       model.Repository
	log        *zap.Logger
	layout     snapshot.Layout
	datasets   *merge.Collection[model.DatasetKey, model.DatasetRecord]
	files      *merge.Collection[model.FileKey, model.FileRecord]
	rejections model.Rejections
	summary    model.RunSummary
}

// NewSession creates a Session for opts.Source.
func NewSession(opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Writer == nil {
		opts.Writer = snapshot.NewWriter()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	repo := opts.Source.Repository()
	return &Session{
		opts:     opts,
		repo:     repo,
		log:      zap.L().With(zap.String("source", repo.String())),
		layout:   snapshot.NewLayout(opts.OutputDir, repo.String(), opts.Now()),
		datasets: merge.NewCollection(model.DatasetRecord.Key),
		files:    merge.NewCollection(model.FileRecord.Key),
		summary:  model.RunSummary{Source: repo},
	}
}

// Layout returns where this run writes its files.
func (s *Session) Layout() snapshot.Layout { return s.layout }

// Run executes the harvest and returns its summary. A returned error means
// no snapshot was written by this run: the datasets and files snapshots are
// published together or not at all.
func (s *Session) Run(ctx context.Context) (*model.RunSummary, error) {
	start := s.opts.Now()
	runID := s.createRun(ctx)
	s.log.Info("harvest settings",
		zap.Int("concurrency", s.opts.Concurrency),
		zap.Duration("politeness_delay", s.opts.PolitenessDelay),
		zap.Int("max_attempts", s.opts.MaxAttempts),
		zap.Int("page_size", s.opts.PageSize),
		zap.Int("max_items", s.opts.Walker.MaxItems()),
	)

	err := s.run(ctx)
	s.summary.Elapsed = s.opts.Now().Sub(start)
	if err != nil {
		s.log.Error("harvest failed", zap.Duration("elapsed", s.summary.Elapsed), zap.Error(err))
		s.failRun(ctx, runID, err)
		return nil, err
	}

	s.logSummary()
	s.completeRun(ctx, runID)
	summary := s.summary
	return &summary, nil
}

func (s *Session) run(ctx context.Context) error {
	s.log.Info("checking repository connection")
	if err := s.opts.Source.Probe(ctx); err != nil {
		if errors.Is(err, ErrPrecondition) {
			return err
		}
		return eris.Wrapf(ErrPrecondition, "%s probe: %v", s.repo, err)
	}

	for _, l := range s.opts.Source.Listings(s.opts.Query) {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "harvest: canceled")
		}
		s.collect(ctx, l)
	}
	if s.datasets.Len() == 0 {
		return eris.Wrapf(ErrEmptyListing, "%s", s.repo)
	}
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "harvest: canceled")
	}

	s.log.Info("enriching datasets", zap.Int("datasets", s.datasets.Len()), zap.Int("files", s.files.Len()))
	s.absorb(s.opts.Source.Enrich(ctx, s.datasets.Items(), s.files.Items()))
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "harvest: canceled")
	}

	s.dropOrphans()
	s.summary.DatasetsFound = s.datasets.Len()
	s.summary.FilesFound = s.files.Len()

	files, excluded := filter.Exclude(s.files.Items(), s.opts.Query.ExcludedFilePrefixes, s.opts.Query.ExcludedPathSubstrings)
	s.summary.ExcludedFiles = excluded
	kept := filter.Result{Datasets: s.datasets.Items(), Files: files}
	if s.opts.Source.MatchesFileTypes() {
		kept = filter.FalsePositives(kept.Datasets, files, filter.MeaningfulTypes(s.opts.Query.Types()))
	}
	s.summary.FalsePositives = len(kept.Removed)
	s.summary.DatasetsKept = len(kept.Datasets)
	s.summary.FilesKept = len(kept.Files)

	return s.write(ctx, kept)
}

// collect walks one listing and merges what it yields.
func (s *Session) collect(ctx context.Context, l Listing) {
	log := s.log.With(zap.String("listing", l.Name))
	var (
		res paginate.Result
		err error
	)
	switch {
	case l.Offset != nil:
		res, err = s.opts.Walker.WalkOffset(ctx, l.Name, l.Offset, s.opts.PageSize)
	case l.Cursor != nil:
		res, err = s.opts.Walker.WalkCursor(ctx, l.Name, l.Cursor, s.opts.PageSize)
	default:
		log.Warn("listing has no pager, skipping")
		return
	}
	if err != nil {
		log.Error("listing skipped", zap.Error(err))
		return
	}

	s.countFailedPages(len(res.FailedPages))
	if res.Truncated {
		s.countTruncated()
	}

	before := s.datasets.Len()
	skipped := 0
	for _, page := range res.Pages {
		fetchedAt := page.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = s.opts.Now().UTC()
		}
		for _, raw := range page.Items {
			ext, err := s.opts.Source.Extract(raw, fetchedAt)
			if err != nil {
				s.reject(model.RejectionDataset, "", err, raw)
				continue
			}
			skipped += ext.Skipped
			s.absorb(ext)
		}
	}
	log.Info("listing merged",
		zap.Int("items", res.Len()),
		zap.Int("new_datasets", s.datasets.Len()-before),
		zap.Int("skipped", skipped),
		zap.Int("total_datasets", s.datasets.Len()),
	)
}

// absorb validates extracted inputs and merges the valid records.
func (s *Session) absorb(ext Extraction) {
	datasets := make([]model.DatasetRecord, 0, len(ext.Datasets))
	for _, in := range ext.Datasets {
		rec, err := model.NewDatasetRecord(in)
		if err != nil {
			s.log.Debug("dataset rejected", zap.String("dataset_id", in.ID), zap.Error(err))
			s.reject(model.RejectionDataset, in.ID, err, in)
			continue
		}
		datasets = append(datasets, rec)
	}
	s.datasets.Merge(datasets)

	files := make([]model.FileRecord, 0, len(ext.Files))
	for _, in := range ext.Files {
		rec, err := model.NewFileRecord(in)
		if err != nil {
			s.log.Debug("file rejected", zap.String("dataset_id", in.DatasetID), zap.Error(err))
			s.reject(model.RejectionFile, in.DatasetID, err, in)
			continue
		}
		files = append(files, rec)
	}
	s.files.Merge(files)
}

// dropOrphans removes files whose dataset was never harvested.
func (s *Session) dropOrphans() {
	n := s.files.RemoveFunc(func(f model.FileRecord) bool {
		if s.datasets.Has(f.DatasetKey()) {
			return false
		}
		err := &model.ValidationError{Field: "dataset_id_in_repository", Reason: "owning dataset was not harvested"}
		s.reject(model.RejectionFile, f.DatasetID, err, f)
		return true
	})
	if n > 0 {
		s.log.Warn("dropped files without dataset", zap.Int("files", n))
	}
}

// write publishes both snapshots as one batch, then the rejections.
func (s *Session) write(ctx context.Context, kept filter.Result) error {
	batch := s.opts.Writer.NewBatch()
	defer batch.Discard()
	if err := batch.Add(ctx, s.layout.Datasets(), snapshot.ParquetRows(kept.Datasets)); err != nil {
		return eris.Wrap(err, "harvest: write datasets")
	}
	if err := batch.Add(ctx, s.layout.Files(), snapshot.ParquetRows(kept.Files)); err != nil {
		return eris.Wrap(err, "harvest: write files")
	}
	if err := batch.Commit(ctx); err != nil {
		return eris.Wrap(err, "harvest: publish snapshot")
	}
	s.summary.DatasetsPath = s.layout.Datasets()
	s.summary.FilesPath = s.layout.Files()

	s.summary.Rejected = s.rejections.Len()
	if s.summary.Rejected > 0 {
		if err := snapshot.WriteJSONLines(ctx, s.opts.Writer, s.layout.Rejections(), s.rejections.Items()); err != nil {
			s.log.Error("could not write rejections", zap.Error(err))
		} else {
			s.summary.RejectionsPath = s.layout.Rejections()
		}
	}
	return nil
}

func (s *Session) reject(kind model.RejectionKind, dataset string, err error, input any) {
	s.rejections.Add(model.NewRejection(kind, s.repo, dataset, err, input))
}

func (s *Session) countFailedPages(n int) { s.summary.FailedPages += n }

func (s *Session) countTruncated() { s.summary.TruncatedQueries++ }

func (s *Session) logSummary() {
	sm := s.summary
	s.log.Info("harvest complete",
		zap.Int("datasets_found", sm.DatasetsFound),
		zap.Int("files_found", sm.FilesFound),
		zap.Int("datasets_kept", sm.DatasetsKept),
		zap.Int("files_kept", sm.FilesKept),
		zap.Int("rejected", sm.Rejected),
		zap.Int("excluded_files", sm.ExcludedFiles),
		zap.Int("false_positives", sm.FalsePositives),
		zap.Int("failed_pages", sm.FailedPages),
		zap.Int("truncated_queries", sm.TruncatedQueries),
		zap.String("datasets_path", sm.DatasetsPath),
		zap.String("files_path", sm.FilesPath),
		zap.Duration("elapsed", sm.Elapsed),
	)
}

func (s *Session) createRun(ctx context.Context) string {
	if s.opts.Ledger == nil {
		return ""
	}
	run, err := s.opts.Ledger.CreateRun(ctx, s.repo, s.layout.Dir)
	if err != nil {
		s.log.Warn("ledger: create run failed", zap.Error(err))
		return ""
	}
	s.log = s.log.With(zap.String("run_id", run.ID))
	return run.ID
}

func (s *Session) completeRun(ctx context.Context, id string) {
	if s.opts.Ledger == nil || id == "" {
		return
	}
	summary := s.summary
	if err := s.opts.Ledger.CompleteRun(context.WithoutCancel(ctx), id, &summary); err != nil {
		s.log.Warn("ledger: complete run failed", zap.Error(err))
	}
}

func (s *Session) failRun(ctx context.Context, id string, cause error) {
	if s.opts.Ledger == nil || id == "" {
		return
	}
	if err := s.opts.Ledger.FailRun(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		s.log.Warn("ledger: fail run failed", zap.Error(err))
	}
}
