package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/foliodb/folio/internal/folio"
	"github.com/foliodb/folio/pkg/filter"
	"github.com/foliodb/folio/pkg/hay"
	"github.com/foliodb/folio/pkg/trio"
)

// trioMime is the content type for request and response bodies. Every
// payload is a stream of dicts separated by "---" lines.
const trioMime = "text/trio; charset=utf-8"

// FolioHandler exposes the record store over HTTP.
//
// Supported operations:
//   - GET  /api/ping      → liveness probe
//   - GET  /api/about     → store name, version counter, record count
//   - GET  /api/rec/:id   → read one record
//   - POST /api/read      → filter query
//   - POST /api/commit    → diff batch (op=add|update|remove)
//   - GET  /api/his/:id   → history span read
//   - POST /api/his/:id   → history write
type FolioHandler struct {
	log   *zap.Logger
	store *folio.Store
}

// NewFolioHandler constructs a FolioHandler instance.
func NewFolioHandler(log *zap.Logger, store *folio.Store) *FolioHandler {
	return &FolioHandler{log: log.Named("folio"), store: store}
}

// Ping handles GET /api/ping.
func (h *FolioHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// About handles GET /api/about.
func (h *FolioHandler) About(c *gin.Context) {
	h.writeDicts(c, []*hay.Dict{hay.DictOf(
		"name", hay.Str(h.store.Name()),
		"version", hay.Number{Val: float64(h.store.CurVer())},
		"recCount", hay.Number{Val: float64(h.store.RecCount())},
	)})
}

// GetRec handles GET /api/rec/:id.
//
// Status Codes:
//   - 200 OK        → the record as a trio dict
//   - 404 Not Found → unknown or trashed id
func (h *FolioHandler) GetRec(c *gin.Context) {
	ref := h.store.InternRef(c.Param("id"))
	rec, err := h.store.ReadById(ref)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeDicts(c, []*hay.Dict{rec})
}

// Read handles POST /api/read. The body is one trio dict with a filter
// string plus optional limit number and sort/trash markers.
func (h *FolioHandler) Read(c *gin.Context) {
	req, err := trio.Read(c.Request.Body)
	if err != nil {
		h.fail(c, err)
		return
	}
	f, err := filter.Parse(req.Str("filter"))
	if err != nil {
		h.fail(c, err)
		return
	}
	opts := folio.ReadOpts{
		Trash: req.Marker("trash"),
		Sort:  req.Marker("sort"),
	}
	if n, ok := req.Get("limit").(hay.Number); ok {
		opts.Limit = int(n.Val)
	}
	recs := h.store.ReadAll(f, opts)
	c.Header("X-Total-Count", strconv.Itoa(len(recs)))
	h.writeDicts(c, recs)
}

// Commit handles POST /api/commit. The body is a stream of trio dicts;
// the op query param selects add, update or remove and applies to the
// whole batch, as do the transient and force params. For updates and
// removes each dict must carry id and mod; remaining tags are the
// changes.
//
// Status Codes:
//   - 200 OK       → post-commit records (empty dict per remove)
//   - 404 Not Found → unknown target id
//   - 409 Conflict  → duplicate add or concurrent change
func (h *FolioHandler) Commit(c *gin.Context) {
	docs, err := trio.ReadAll(c.Request.Body)
	if err != nil {
		h.fail(c, err)
		return
	}
	var flags hay.DiffFlag
	if c.Query("transient") == "1" {
		flags |= hay.DiffTransient
	}
	if c.Query("force") == "1" {
		flags |= hay.DiffForce
	}

	diffs := make([]hay.Diff, 0, len(docs))
	for _, doc := range docs {
		diff, err := h.buildDiff(c.Query("op"), doc, flags)
		if err != nil {
			h.fail(c, err)
			return
		}
		diffs = append(diffs, diff)
	}

	recs, err := h.store.CommitAll(diffs, c.ClientIP())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]*hay.Dict, len(recs))
	for i, rec := range recs {
		if rec == nil {
			rec = hay.NewDict() // removes echo an empty dict
		}
		out[i] = rec
	}
	h.writeDicts(c, out)
}

func (h *FolioHandler) buildDiff(op string, doc *hay.Dict, flags hay.DiffFlag) (hay.Diff, error) {
	changes := doc.Dup()
	changes.Delete("id")
	changes.Delete("mod")

	switch op {
	case "add":
		diff := hay.NewDiffAdd(doc.Id(), changes)
		diff.Flags |= flags
		return diff, nil
	case "update", "remove":
		target := hay.NewDict()
		target.Set("id", doc.Id())
		if mod, ok := doc.Get("mod").(hay.DateTime); ok {
			target.Set("mod", mod)
		}
		if op == "remove" {
			return hay.NewDiffRemove(target, flags), nil
		}
		return hay.NewDiffUpdate(target, changes, flags), nil
	}
	return hay.Diff{}, errors.New("op must be add, update or remove")
}

// HisRead handles GET /api/his/:id. Optional start/end query params are
// RFC 3339 stamps bounding a half-open span; absent both, the whole
// history returns.
func (h *FolioHandler) HisRead(c *gin.Context) {
	ref := h.store.InternRef(c.Param("id"))
	span, err := querySpan(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	opts := folio.HisReadOpts{ClipFuture: c.Query("clipFuture") == "1"}
	if raw := c.Query("limit"); raw != "" {
		opts.Limit, _ = strconv.Atoi(raw)
	}

	items, err := h.store.His().ReadAll(ref, span, opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	docs := make([]*hay.Dict, len(items))
	for i, item := range items {
		docs[i] = hay.DictOf("ts", item.TS, "val", item.Val)
	}
	c.Header("X-Total-Count", strconv.Itoa(len(docs)))
	h.writeDicts(c, docs)
}

// HisWrite handles POST /api/his/:id. The body is a stream of {ts, val}
// trio dicts. clearAll=1 wipes the history first; clearStart/clearEnd
// clear a span first.
func (h *FolioHandler) HisWrite(c *gin.Context) {
	ref := h.store.InternRef(c.Param("id"))
	docs, err := trio.ReadAll(c.Request.Body)
	if err != nil {
		h.fail(c, err)
		return
	}
	items := make([]hay.HisItem, 0, len(docs))
	for _, doc := range docs {
		ts, ok := doc.Get("ts").(hay.DateTime)
		if !ok {
			h.fail(c, errors.New("item missing ts"))
			return
		}
		val, ok := doc.GetChecked("val")
		if !ok {
			h.fail(c, errors.New("item missing val"))
			return
		}
		items = append(items, hay.HisItem{TS: ts, Val: val})
	}

	opts := folio.HisWriteOpts{ClearAll: c.Query("clearAll") == "1"}
	if c.Query("clearStart") != "" || c.Query("clearEnd") != "" {
		start, err := time.Parse(time.RFC3339Nano, c.Query("clearStart"))
		if err != nil {
			h.fail(c, err)
			return
		}
		end, err := time.Parse(time.RFC3339Nano, c.Query("clearEnd"))
		if err != nil {
			h.fail(c, err)
			return
		}
		span := hay.NewSpan(start, end)
		opts.Clear = &span
	}

	res, err := h.store.His().Write(ref, items, opts, c.ClientIP())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeDicts(c, []*hay.Dict{hay.DictOf("count", hay.Number{Val: float64(res.Count)})})
}

func querySpan(c *gin.Context) (*hay.Span, error) {
	rawStart, rawEnd := c.Query("start"), c.Query("end")
	if rawStart == "" && rawEnd == "" {
		return nil, nil
	}
	start, err := time.Parse(time.RFC3339Nano, rawStart)
	if err != nil {
		return nil, err
	}
	end, err := time.Parse(time.RFC3339Nano, rawEnd)
	if err != nil {
		return nil, err
	}
	span := hay.NewSpan(start, end)
	return &span, nil
}

func (h *FolioHandler) writeDicts(c *gin.Context, dicts []*hay.Dict) {
	c.Header("Content-Type", trioMime)
	c.Status(http.StatusOK)
	if err := trio.WriteAll(c.Writer, dicts); err != nil {
		c.Error(err)
	}
}

// fail maps store errors onto HTTP status codes.
func (h *FolioHandler) fail(c *gin.Context, err error) {
	c.Error(err)
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, folio.ErrUnknownRec):
		status = http.StatusNotFound
	case errors.Is(err, folio.ErrAlreadyExists), errors.Is(err, folio.ErrConcurrentChange):
		status = http.StatusConflict
	case errors.Is(err, folio.ErrClosed), errors.Is(err, folio.ErrCommit):
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"message": err.Error()})
}
