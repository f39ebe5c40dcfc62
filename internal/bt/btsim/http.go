package btsim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Handler serves the device's control API:
//
//	GET  /api/state
//	POST /api/set?heartRate=&power=&cadence=
//	GET  /api/writes
//	POST /api/disconnect
//	POST /api/range?in=false
//	POST /api/fail-writes?on=true
//	POST /api/stall?on=true
//	POST /api/deny-control?on=true
func (d *Device) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", d.handleGetState)
	mux.HandleFunc("/api/set", post(d.handleSetValues))
	mux.HandleFunc("/api/writes", d.handleGetWrites)
	mux.HandleFunc("/api/disconnect", post(d.handleDisconnect))
	mux.HandleFunc("/api/range", post(boolParam("in", d.SetInRange)))
	mux.HandleFunc("/api/fail-writes", post(boolParam("on", d.SetFailWrites)))
	mux.HandleFunc("/api/stall", post(boolParam("on", d.SetStalled)))
	mux.HandleFunc("/api/deny-control", post(boolParam("on", d.SetDenyControl)))
	return mux
}

// startServer runs the control API when a port is configured.
func (d *Device) startServer() {
	if d.cfg.HTTPPort == 0 || d.server != nil {
		return
	}
	d.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", d.cfg.HTTPPort),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	server := d.server
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Printf("btsim [%s]: control API on http://%s", d.cfg.LocalName, server.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			d.logger.Printf("btsim [%s]: control API error: %v", d.cfg.LocalName, err)
		}
	}()
}

func (d *Device) stopServer() {
	if d.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Printf("btsim [%s]: error shutting down control API: %v", d.cfg.LocalName, err)
	}
	d.server = nil
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func boolParam(name string, set func(bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := strconv.ParseBool(r.URL.Query().Get(name))
		if err != nil {
			http.Error(w, fmt.Sprintf("%s must be true or false", name), http.StatusBadRequest)
			return
		}
		set(v)
		w.WriteHeader(http.StatusOK)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *Device) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.State())
}

func (d *Device) handleGetWrites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.Writes())
}

func (d *Device) handleSetValues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ints := map[string]func(int){
		"heartRate": d.SetHeartRate,
		"power":     d.SetBasePower,
		"cadence":   d.SetCadence,
	}
	for name, set := range ints {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			http.Error(w, fmt.Sprintf("%s must be a non-negative integer", name), http.StatusBadRequest)
			return
		}
		set(v)
	}
	writeJSON(w, d.State())
}

func (d *Device) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	d.DropLink()
	w.WriteHeader(http.StatusOK)
}
