package handlers

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dag-ledger/chainstate"
	"dag-ledger/dag"
	"dag-ledger/difficulty"
	"dag-ledger/logger"
	"dag-ledger/models"
	"dag-ledger/repository"
)

// Handler contains the HTTP handlers for the ledger API endpoints
type Handler struct {
	DAG      *dag.DAG
	validate *validator.Validate
}

// NewHandler creates and returns a new Handler instance
func NewHandler(d *dag.DAG) *Handler {
	return &Handler{DAG: d, validate: validator.New()}
}

// EntryJSON is the JSON form of an entry. Byte fields are hex, hashes use
// their display form.
type EntryJSON struct {
	Kind       string   `json:"kind" validate:"required,oneof=payment block view vote"`
	PublicKey  string   `json:"public_key,omitempty" validate:"omitempty,hexadecimal"`
	Recipient  string   `json:"recipient,omitempty" validate:"omitempty,hexadecimal"`
	Value      uint64   `json:"value"`
	Payload    string   `json:"payload,omitempty" validate:"omitempty,hexadecimal"`
	Timestamp  uint64   `json:"timestamp" validate:"required"`
	Signature  string   `json:"signature,omitempty" validate:"omitempty,hexadecimal"`
	Parents    []string `json:"parents" validate:"required,min=1,dive,len=64,hexadecimal"`
	Nonce      uint64   `json:"nonce,omitempty"`
	Difficulty string   `json:"difficulty,omitempty" validate:"omitempty,len=8,hexadecimal"`
	ViewNumber *uint64  `json:"view_number,omitempty"`
	VoteView   string   `json:"vote_view,omitempty" validate:"omitempty,len=64,hexadecimal"`
}

// BatchRequest submits several entries to be validated in parallel.
type BatchRequest struct {
	Entries []EntryJSON `json:"entries" validate:"required,min=1,max=1000,dive"`
}

// ResultJSON reports what happened to a submitted entry.
type ResultJSON struct {
	Hash    string   `json:"hash,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	Status  string   `json:"status,omitempty"`
	Missing []string `json:"missing,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ChainStateJSON is the JSON form of a chain state.
type ChainStateJSON struct {
	Height     uint64 `json:"height"`
	Difficulty string `json:"difficulty"`
	Log2Work   string `json:"log2_work"`
	BlockCount uint64 `json:"block_count"`
	Weight     string `json:"weight"`
	LastHash   string `json:"last_hash"`
}

// TemplateJSON is the JSON form of a block template.
type TemplateJSON struct {
	Height       uint64   `json:"height"`
	ParentHashes []string `json:"parent_hashes"`
	Timestamp    uint64   `json:"timestamp"`
	Difficulty   string   `json:"difficulty"`
	Target       string   `json:"target"`
}

func decodeHex(field, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(models.ErrMalformedEntry, "%s: %v", field, err)
	}
	return b, nil
}

func decodeHash(field, s string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, errors.Wrapf(models.ErrMalformedEntry, "%s: %v", field, err)
	}
	return *h, nil
}

// ToEntry converts the JSON form to an entry. Fields belonging to a kind
// other than the declared one are rejected by validation later on.
func (j *EntryJSON) ToEntry() (*models.Entry, error) {
	kind, err := models.ParseKind(j.Kind)
	if err != nil {
		return nil, err
	}

	e := &models.Entry{Kind: kind, Value: j.Value, Timestamp: j.Timestamp}
	if e.PublicKey, err = decodeHex("public_key", j.PublicKey); err != nil {
		return nil, err
	}
	if e.Recipient, err = decodeHex("recipient", j.Recipient); err != nil {
		return nil, err
	}
	if e.Payload, err = decodeHex("payload", j.Payload); err != nil {
		return nil, err
	}
	if e.Signature, err = decodeHex("signature", j.Signature); err != nil {
		return nil, err
	}
	for _, p := range j.Parents {
		h, err := decodeHash("parents", p)
		if err != nil {
			return nil, err
		}
		e.Parents = append(e.Parents, h)
	}

	if j.Difficulty != "" || kind == models.KindBlock {
		var d difficulty.Difficulty
		if err := d.UnmarshalText([]byte(j.Difficulty)); err != nil {
			return nil, errors.Wrapf(models.ErrMalformedEntry, "difficulty: %v", err)
		}
		e.Block = &models.BlockFields{Nonce: j.Nonce, Difficulty: d}
	}
	if j.ViewNumber != nil {
		e.View = &models.ViewFields{Number: *j.ViewNumber}
	}
	if j.VoteView != "" {
		h, err := decodeHash("vote_view", j.VoteView)
		if err != nil {
			return nil, err
		}
		e.Vote = &models.VoteFields{View: h}
	}
	return e, nil
}

// NewEntryJSON renders an entry.
func NewEntryJSON(e *models.Entry) EntryJSON {
	j := EntryJSON{
		Kind:      e.Kind.String(),
		PublicKey: hex.EncodeToString(e.PublicKey),
		Recipient: hex.EncodeToString(e.Recipient),
		Value:     e.Value,
		Payload:   hex.EncodeToString(e.Payload),
		Timestamp: e.Timestamp,
		Signature: hex.EncodeToString(e.Signature),
		Parents:   hashStrings(e.Parents),
	}
	if e.Block != nil {
		j.Nonce = e.Block.Nonce
		text, _ := e.Block.Difficulty.MarshalText()
		j.Difficulty = string(text)
	}
	if e.View != nil {
		n := e.View.Number
		j.ViewNumber = &n
	}
	if e.Vote != nil {
		j.VoteView = e.Vote.View.String()
	}
	return j
}

func newChainStateJSON(s *models.ChainState) ChainStateJSON {
	text, _ := s.Difficulty.MarshalText()
	return ChainStateJSON{
		Height:     s.Height,
		Difficulty: string(text),
		Log2Work:   s.Difficulty.String(),
		BlockCount: s.BlockCount,
		Weight:     s.Weight.String(),
		LastHash:   s.LastHash.String(),
	}
}

func newResultJSON(res *dag.Result) ResultJSON {
	return ResultJSON{
		Hash:    res.Hash.String(),
		Kind:    res.Kind.String(),
		Status:  res.Status.String(),
		Missing: hashStrings(res.Missing),
	}
}

func hashStrings(hashes []chainhash.Hash) []string {
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, h.String())
	}
	return out
}

// statusFor maps a processing error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dag.ErrLockTimeout), errors.Is(err, dag.ErrHalted):
		return http.StatusServiceUnavailable
	case errors.Is(err, chainstate.ErrOutOfOrder):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnknownKind), errors.Is(err, models.ErrMalformedEntry),
		errors.Is(err, models.ErrNoParents), errors.Is(err, dag.ErrBadDifficulty),
		errors.Is(err, dag.ErrInsufficientWork), errors.Is(err, dag.ErrBadVote):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrEntryNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// SubmitEntry handles POST requests submitting a single entry
func (h *Handler) SubmitEntry(w http.ResponseWriter, r *http.Request) {
	var req EntryJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode entry", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := req.ToEntry()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.DAG.ProcessEntry(r.Context(), entry)
	if err != nil {
		logger.Logger.Error("Failed to process entry", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	status := http.StatusCreated
	if res.Status == dag.StatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, newResultJSON(res))
}

// SubmitEntries handles POST requests submitting a batch of entries, which
// are validated in parallel. The response lists one result per entry.
func (h *Handler) SubmitEntries(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode batch", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := make([]ResultJSON, len(req.Entries))
	entries := make([]*models.Entry, 0, len(req.Entries))
	index := make([]int, 0, len(req.Entries))
	for i := range req.Entries {
		entry, err := req.Entries[i].ToEntry()
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		entries = append(entries, entry)
		index = append(index, i)
	}

	results, errs := h.DAG.ProcessEntries(r.Context(), entries)
	for k, i := range index {
		if errs[k] != nil {
			out[i].Error = errs[k].Error()
			continue
		}
		out[i] = newResultJSON(results[k])
	}

	logger.Logger.Info("Processed entry batch", zap.Int("count", len(req.Entries)))
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": out})
}

// GetEntry handles GET requests for a stored entry
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	hash, err := chainhash.NewHashFromStr(mux.Vars(r)["hash"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid entry hash")
		return
	}

	entry, err := h.DAG.Entry(*hash)
	if err != nil {
		if !errors.Is(err, repository.ErrEntryNotFound) {
			logger.Logger.Error("Failed to load entry", zap.Stringer("hash", hash), zap.Error(err))
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, NewEntryJSON(entry))
}

// GetLatestChainState handles GET requests for the latest chain state
func (h *Handler) GetLatestChainState(w http.ResponseWriter, r *http.Request) {
	latest := h.DAG.Latest()
	writeJSON(w, http.StatusOK, newChainStateJSON(&latest))
}

// GetChainState handles GET requests for the chain state at a height
func (h *Handler) GetChainState(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid height")
		return
	}
	state, ok := h.DAG.ChainState(height)
	if !ok {
		writeError(w, http.StatusNotFound, "chain state not found")
		return
	}
	writeJSON(w, http.StatusOK, newChainStateJSON(&state))
}

// GetBlockTemplate handles GET requests for the next block template
func (h *Handler) GetBlockTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl := h.DAG.BlockTemplate()
	text, _ := tmpl.Difficulty.MarshalText()
	writeJSON(w, http.StatusOK, TemplateJSON{
		Height:       tmpl.Height,
		ParentHashes: hashStrings(tmpl.ParentHashes),
		Timestamp:    tmpl.Timestamp,
		Difficulty:   string(text),
		Target:       tmpl.Target.Text(16),
	})
}

// GetMissingParents handles GET requests listing parents that pending
// entries wait on, so they can be fetched from peers
func (h *Handler) GetMissingParents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"missing": hashStrings(h.DAG.MissingParents()),
	})
}
