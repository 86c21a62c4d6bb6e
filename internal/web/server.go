// Package web exposes the swarm coordinator over HTTP:
// torrent management, live status and range-addressable file
// streaming for in-progress downloads.
package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/driftwd/driftwood/internal/errors"
	"github.com/driftwd/driftwood/internal/swarm"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// streamChunk is the read granularity when proxying file
// bytes; each chunk blocks until its pieces are verified.
const streamChunk = 256 * 1024

type Server struct {
	swarm  *swarm.Coordinator
	router *mux.Router
}

func New(c *swarm.Coordinator) *Server {
	s := &Server{swarm: c}

	r := mux.NewRouter()
	r.HandleFunc("/torrents", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/torrents", s.handleAdd).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/torrents/{id}", s.handleRemove).Methods(http.MethodDelete)
	r.HandleFunc("/torrents/{id}/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{id}/files/{index}", s.handleFile).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run blocks serving the API on addr. The write timeout is
// left unset so long-lived streams are not cut off.
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Handler:     s,
		Addr:        addr,
		ReadTimeout: 15 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("http api listening")

	return srv.ListenAndServe()
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.swarm.List())
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Magnet string `json:"magnet"`
		Fresh  bool   `json:"fresh"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Magnet == "" {
		writeError(w, errors.New("request body must carry a magnet link", errors.InvalidInput))
		return
	}

	st, err := s.swarm.Add(body.Magnet, body.Fresh)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.swarm.Status(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	deleteData := r.URL.Query().Get("data") == "true"

	rec, err := s.swarm.Remove(mux.Vars(r)["id"], deleteData)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Deleted bool   `json:"deleted"`
	}{rec.ID, rec.Name, true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	st, err := s.swarm.Stop(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// handleFile streams one file of a torrent, honoring a
// single-range Range header. Reads of not-yet-verified
// pieces block until the data is good, so playback can start
// mid-download.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	idx, err := strconv.Atoi(vars["index"])
	if err != nil {
		writeError(w, errors.New("file index must be an integer", errors.InvalidInput))
		return
	}

	st, err := s.swarm.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}

	if idx < 0 || idx >= len(st.Files) {
		writeError(w, errors.Wrap(errors.Newf("no file at index %d", idx), errors.NotFound))
		return
	}

	total := st.Files[idx].Length

	start, end, partial, ok := parseRange(r.Header.Get("Range"), total)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		http.Error(w, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))

	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
		w.WriteHeader(http.StatusPartialContent)
	}

	flusher, _ := w.(http.Flusher)

	for off := start; off <= end; {
		n := int64(streamChunk)
		if off+n > end+1 {
			n = end + 1 - off
		}

		data, err := s.swarm.ReadRange(r.Context(), id, idx, off, int(n))
		if err != nil {
			// Headers are gone; all we can do is drop the
			// connection.
			log.Debug().Err(err).Str("torrent", id).Msg("stream aborted")
			return
		}

		if _, err := w.Write(data); err != nil {
			return
		}

		if flusher != nil {
			flusher.Flush()
		}

		off += n
	}
}

// handleEvents pushes status snapshots as server-sent
// events until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for st := range s.swarm.Subscribe(r.Context()) {
		data, err := json.Marshal(st)
		if err != nil {
			continue
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}

		flusher.Flush()
	}
}

// parseRange interprets a single-range bytes header against
// a resource of the given size. It returns the inclusive
// byte bounds, whether the response is partial, and whether
// the range is satisfiable.
func parseRange(header string, size int64) (start, end int64, partial, ok bool) {
	if header == "" {
		return 0, size - 1, false, true
	}

	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false, false
	}

	lo, hi, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false, false
	}

	if lo == "" {
		// suffix form: last n bytes
		n, err := strconv.ParseInt(hi, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false, false
		}

		if n > size {
			n = size
		}

		return size - n, size - 1, true, true
	}

	start, err := strconv.ParseInt(lo, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false, false
	}

	end = size - 1
	if hi != "" {
		end, err = strconv.ParseInt(hi, 10, 64)
		if err != nil || end < start {
			return 0, 0, false, false
		}

		if end >= size {
			end = size - 1
		}
	}

	return start, end, true, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch errors.KindOf(err) {
	case errors.NotFound:
		status = http.StatusNotFound
	case errors.InvalidInput:
		status = http.StatusBadRequest
	case errors.Cancelled:
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}
