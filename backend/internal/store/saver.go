package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/collab"
)

// Durable is what the Saver persists through. *MySQLStore satisfies it.
type Durable interface {
	LoadDocument(ctx context.Context, docID string) (collab.Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, docID string, snap collab.Snapshot) error
	SaveComment(ctx context.Context, c collab.Comment) error
	DeleteComment(ctx context.Context, docID, commentID string) error
	LoadComments(ctx context.Context, docID string) ([]collab.Comment, error)
}

type saveJob struct {
	docID string

	snap    *collab.Snapshot
	comment *collab.Comment
	// deleteCommentID set means a comment delete.
	deleteCommentID string
}

type SaverOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Saver implements collab.Gateway: loads pass straight through, writes go
// onto a bounded queue drained by workers with capped exponential retry.
// A persistence outage therefore shows up as latency and log noise, never
// as a stalled editing session.
type Saver struct {
	durable Durable
	queue   chan saveJob
	opts    SaverOptions
	log     zerolog.Logger
}

func NewSaver(durable Durable, opts SaverOptions, log zerolog.Logger) *Saver {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	s := &Saver{
		durable: durable,
		queue:   make(chan saveJob, opts.QueueSize),
		opts:    opts,
		log:     log.With().Str("component", "saver").Logger(),
	}
	for i := 0; i < opts.Workers; i++ {
		go s.workerLoop()
	}
	return s
}

func (s *Saver) Load(ctx context.Context, docID string) (collab.Snapshot, bool, error) {
	return s.durable.LoadDocument(ctx, docID)
}

func (s *Saver) Save(docID string, snap collab.Snapshot) {
	s.enqueue(saveJob{docID: docID, snap: &snap})
}

func (s *Saver) Flush(ctx context.Context, docID string, snap collab.Snapshot) error {
	return s.durable.SaveSnapshot(ctx, docID, snap)
}

func (s *Saver) PutComment(c collab.Comment) {
	s.enqueue(saveJob{docID: c.DocumentID, comment: &c})
}

func (s *Saver) DeleteComment(docID, commentID string) {
	s.enqueue(saveJob{docID: docID, deleteCommentID: commentID})
}

func (s *Saver) LoadComments(ctx context.Context, docID string) ([]collab.Comment, error) {
	return s.durable.LoadComments(ctx, docID)
}

func (s *Saver) enqueue(job saveJob) {
	select {
	case s.queue <- job:
	default:
		// The checkpoint timer will retry dirty documents; dropping here
		// beats blocking the document critical section.
		s.log.Warn().Str("docId", job.docID).Msg("save queue full, dropping write")
	}
}

func (s *Saver) workerLoop() {
	for job := range s.queue {
		s.runWithRetry(job)
	}
}

func (s *Saver) runWithRetry(job saveJob) {
	for attempt := 0; attempt <= s.opts.MaxRetry; attempt++ {
		err := s.runOnce(job)
		if err == nil {
			return
		}
		if attempt == s.opts.MaxRetry {
			s.log.Error().Err(err).Str("docId", job.docID).Msg("persist failed, giving up")
			return
		}
		backoff := s.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > s.opts.MaxBackoff {
			backoff = s.opts.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (s *Saver) runOnce(job saveJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch {
	case job.snap != nil:
		return s.durable.SaveSnapshot(ctx, job.docID, *job.snap)
	case job.comment != nil:
		return s.durable.SaveComment(ctx, *job.comment)
	case job.deleteCommentID != "":
		return s.durable.DeleteComment(ctx, job.docID, job.deleteCommentID)
	}
	return nil
}
