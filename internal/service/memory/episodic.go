package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	"github.com/zhouzirui/persona-relay/backend/internal/model/chat"
)

const (
	defaultEpisodicLimit = 5

	fieldSubject   = "subject_id"
	fieldSession   = "session_id"
	fieldRole      = "role"
	fieldPersona   = "persona_id"
	fieldContent   = "content"
	fieldCreatedAt = "created_at"
)

// episodicDocument is the indexed shape of one turn.
type episodicDocument struct {
	SubjectID string `json:"subject_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	PersonaID string `json:"persona_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// EpisodicOptions configures the flat episodic store.
type EpisodicOptions struct {
	// Path of the on-disk index. Empty keeps the index in memory.
	Path   string
	Limit  int
	Logger *zap.Logger
}

// Episodic indexes every turn as one document and recalls by full-text match,
// always filtered to a single subject.
type Episodic struct {
	index  bleve.Index
	limit  int
	logger *zap.Logger
}

// NewEpisodic opens (or creates) the index.
func NewEpisodic(opts EpisodicOptions) (*Episodic, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultEpisodicLimit
	}

	var (
		index bleve.Index
		err   error
	)
	if opts.Path == "" {
		index, err = bleve.NewMemOnly(newEpisodicMapping())
	} else {
		index, err = bleve.Open(opts.Path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			index, err = bleve.New(opts.Path, newEpisodicMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open episodic index: %w", err)
	}

	return &Episodic{
		index:  index,
		limit:  limit,
		logger: logging.OrNop(opts.Logger).Named("memory.episodic"),
	}, nil
}

func newEpisodicMapping() mapping.IndexMapping {
	// subject/session 等 ID 字段不分词，term 查询才能精确命中
	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	exact.IncludeInAll = false

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	stored := bleve.NewTextFieldMapping()
	stored.Index = false
	stored.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(fieldSubject, exact)
	doc.AddFieldMappingsAt(fieldSession, exact)
	doc.AddFieldMappingsAt(fieldRole, exact)
	doc.AddFieldMappingsAt(fieldPersona, exact)
	doc.AddFieldMappingsAt(fieldContent, text)
	doc.AddFieldMappingsAt(fieldCreatedAt, stored)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = standard.Name
	return im
}

func (e *Episodic) Name() string { return "episodic" }

// Search matches query against past turn content of subjectID only.
func (e *Episodic) Search(ctx context.Context, q, subjectID string) ([]Snippet, error) {
	if subjectID == "" {
		return nil, ErrSubjectRequired
	}
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, nil
	}

	match := bleve.NewMatchQuery(q)
	match.SetField(fieldContent)
	subject := bleve.NewTermQuery(subjectID)
	subject.SetField(fieldSubject)

	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(match, subject), e.limit, 0, false)
	req.Fields = []string{fieldSubject, fieldRole, fieldContent}
	req.SortBy([]string{"-_score", "_id"})

	res, err := e.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("episodic search: %w", err)
	}

	snippets := make([]Snippet, 0, len(res.Hits))
	for _, hit := range res.Hits {
		// 索引层之外再核对一次 subject，任何情况下都不能把别人的记忆带出来
		if owner, _ := hit.Fields[fieldSubject].(string); owner != subjectID {
			e.logger.Warn("episodic hit with foreign subject dropped", zap.String("doc_id", hit.ID))
			continue
		}
		content, _ := hit.Fields[fieldContent].(string)
		if content == "" {
			continue
		}
		role, _ := hit.Fields[fieldRole].(string)
		snippets = append(snippets, Snippet{
			ID:      hit.ID,
			Content: formatTurnSnippet(role, content),
			Score:   hit.Score,
			Source:  e.Name(),
		})
	}
	return snippets, nil
}

// Add indexes the turns in one batch.
func (e *Episodic) Add(ctx context.Context, turns []chat.Turn, subjectID string) error {
	if subjectID == "" {
		return ErrSubjectRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := e.index.NewBatch()
	for _, turn := range turns {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		id := turn.ID
		if id == "" {
			id = uuid.NewString()
		}
		created := turn.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if err := batch.Index(id, episodicDocument{
			SubjectID: subjectID,
			SessionID: turn.SessionID,
			Role:      string(turn.Role),
			PersonaID: turn.PersonaID,
			Content:   turn.Content,
			CreatedAt: created.Format(time.RFC3339Nano),
		}); err != nil {
			return fmt.Errorf("episodic batch: %w", err)
		}
	}
	if batch.Size() == 0 {
		return nil
	}
	if err := e.index.Batch(batch); err != nil {
		return fmt.Errorf("episodic index: %w", err)
	}
	return nil
}

// Close releases the index.
func (e *Episodic) Close() error {
	return e.index.Close()
}

func formatTurnSnippet(role, content string) string {
	if role == "" {
		return content
	}
	return role + ": " + content
}
