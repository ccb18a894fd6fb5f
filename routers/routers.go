package routers

import (
	"dag-ledger/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes for the ledger
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Submits an entry; pending entries answer 202 until their parents arrive
	r.HandleFunc("/entries", h.SubmitEntry).Methods("POST")

	// Submits a batch of entries validated in parallel
	r.HandleFunc("/entries/batch", h.SubmitEntries).Methods("POST")

	// Retrieves a stored entry by hash
	r.HandleFunc("/entries/{hash}", h.GetEntry).Methods("GET")

	// Parents pending entries wait on
	r.HandleFunc("/pending/missing", h.GetMissingParents).Methods("GET")

	// Chain state ledger
	r.HandleFunc("/chainstate/latest", h.GetLatestChainState).Methods("GET")
	r.HandleFunc("/chainstate/{height:[0-9]+}", h.GetChainState).Methods("GET")

	// Block template for miners
	r.HandleFunc("/template", h.GetBlockTemplate).Methods("GET")
}
