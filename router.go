package offlineproxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/always-cache/offline-proxy/cache"
	"github.com/always-cache/offline-proxy/lifecycle"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// AdminPrefix is the path prefix of the admin endpoints.
const AdminPrefix = "/_offline"

type cacheListing struct {
	Name string   `json:"name"`
	Keys []string `json:"keys"`
}

// Router returns the handler serving the admin endpoints, the metrics
// and, for everything else, the registration.
// newWorker creates the worker registered on update.
func Router(reg *lifecycle.Registration, newWorker func() lifecycle.Worker, storage cache.CacheStorage, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, reg.Status())
		})
		r.Get("/caches", func(w http.ResponseWriter, r *http.Request) {
			listing, err := listCaches(storage)
			if err != nil {
				log.Error().Err(err).Msg("Could not list caches")
				http.Error(w, "Could not list caches", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, listing)
		})
		r.Post("/skip-waiting", func(w http.ResponseWriter, r *http.Request) {
			if !reg.SkipWaiting(r.Context()) {
				http.Error(w, "No worker waiting", http.StatusConflict)
				return
			}
			writeJSON(w, http.StatusOK, reg.Status())
		})
		r.Post("/update", func(w http.ResponseWriter, r *http.Request) {
			if err := reg.Register(r.Context(), newWorker()); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, reg.Status())
		})
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Handle("/*", reg)

	return r
}

func listCaches(storage cache.CacheStorage) ([]cacheListing, error) {
	names, err := storage.Keys()
	if err != nil {
		return nil, err
	}
	listing := make([]cacheListing, 0, len(names))
	lister, ok := storage.(cache.EntryLister)
	if !ok {
		for _, name := range names {
			listing = append(listing, cacheListing{Name: name, Keys: []string{}})
		}
		return listing, nil
	}
	for _, name := range names {
		entries, err := lister.Entries(name)
		if errors.Is(err, cache.ErrNotFound) {
			// deleted in the meantime
			continue
		}
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(entries))
		for _, e := range entries {
			keys = append(keys, e.Key)
		}
		listing = append(listing, cacheListing{Name: name, Keys: keys})
	}
	return listing, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Could not write JSON response")
	}
}
