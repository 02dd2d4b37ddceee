package node

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tafallen/ProjectTeleprinter/internal/httputil"
	"github.com/tafallen/ProjectTeleprinter/pkg/store"
	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

const defaultListLimit = 100

// apiHandler builds the operator HTTP API.
func (n *Node) apiHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(time.Second * 30))
	r.Use(middleware.Logger)
	r.Route("/api", func(r chi.Router) {
		r.Get("/summary", n.getSummary())
		r.Get("/messages", n.getMessages())
		r.Post("/messages", n.postMessage())
		r.Get("/messages/{fingerprint}", n.getMessage())
		r.Post("/machines/{digit}", n.putMachine(true))
		r.Delete("/machines/{digit}", n.putMachine(false))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}

func (n *Node) getSummary() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := n.Summary()
		if err != nil {
			httputil.WriteJSON(w, http.StatusInternalServerError, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, summary)
	}
}

func (n *Node) getMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				httputil.WriteJSON(w, http.StatusBadRequest, errors.New("invalid limit"))
				return
			}
			limit = parsed
		}

		msgs, err := n.store.List(limit)
		if err != nil {
			httputil.WriteJSON(w, http.StatusInternalServerError, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, msgs)
	}
}

func (n *Node) postMessage() http.HandlerFunc {
	type submission struct {
		Origin      string `json:"origin"`
		Destination string `json:"destination"`
		Payload     string `json:"payload"`
	}
	type receipt struct {
		Fingerprint telex.Fingerprint `json:"fingerprint"`
		Fresh       bool              `json:"fresh"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var sub submission
		if err := httputil.ReadJSON(r, &sub); err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, err)
			return
		}

		payload, err := base64.StdEncoding.DecodeString(sub.Payload)
		if err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, errors.New("payload must be base64"))
			return
		}

		msg, fresh, err := n.Enqueue(sub.Origin, sub.Destination, payload)
		if err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, err)
			return
		}

		code := http.StatusCreated
		if !fresh {
			code = http.StatusOK
		}
		httputil.WriteJSON(w, code, receipt{Fingerprint: msg.Fingerprint, Fresh: fresh})
	}
}

func (n *Node) getMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fp telex.Fingerprint
		if err := fp.UnmarshalText([]byte(chi.URLParam(r, "fingerprint"))); err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, errors.New("invalid fingerprint"))
			return
		}

		msg, err := n.Message(fp)
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteJSON(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			httputil.WriteJSON(w, http.StatusInternalServerError, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, msg)
	}
}

func (n *Node) putMachine(online bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		digit := chi.URLParam(r, "digit")
		if len(digit) != 1 || digit[0] < '0' || digit[0] > '9' {
			httputil.WriteJSON(w, http.StatusBadRequest, ErrUnknownMachine)
			return
		}
		if err := n.SetMachineOnline(digit[0]-'0', online); err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"online": online})
	}
}
