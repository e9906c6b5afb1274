// runtime-stub stands in for the function runtime during local runs and
// load tests. It accepts dispatcher invocations on /invoke, optionally checks
// their signature, and answers with the invocation echoed back.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

type invocation struct {
	Timestamp string          `json:"timestamp"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	AttemptID string          `json:"attempt_id"`
	Signed    bool            `json:"signed"`
	Body      json.RawMessage `json:"body"`
}

type stats struct {
	Count           int64            `json:"count"`
	ByType          map[string]int64 `json:"by_type"`
	LastInvocations []invocation     `json:"last_invocations"`
	Since           string           `json:"since"`
}

var (
	mu      sync.Mutex
	count   int64
	byType  = make(map[string]int64)
	last    []invocation
	since   time.Time
	secret  string
	status  = http.StatusOK
	latency time.Duration
)

const maxStored = 50

func main() {
	since = time.Now().UTC()

	addr := ":4000"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	secret = os.Getenv("RUNTIME_SECRET")
	if v := os.Getenv("STUB_STATUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			status = n
		}
	}
	if v := os.Getenv("STUB_LATENCY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			latency = d
		}
	}

	http.HandleFunc("/invoke", invokeHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		byType = make(map[string]int64)
		last = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("runtime-stub listening on %s (status=%d, latency=%s, signed=%v)", addr, status, latency, secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}

func invokeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil || !json.Valid(body) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	signed := false
	if secret != "" {
		if !verify(body, r.Header.Get("X-EasyTrigger-Signature")) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		signed = true
	}

	inv := invocation{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventID:   r.Header.Get("X-EasyTrigger-Event-ID"),
		EventType: r.Header.Get("X-EasyTrigger-Event-Type"),
		AttemptID: r.Header.Get("X-EasyTrigger-Attempt-ID"),
		Signed:    signed,
		Body:      body,
	}

	mu.Lock()
	count++
	byType[inv.EventType]++
	last = append(last, inv)
	if len(last) > maxStored {
		last = last[len(last)-maxStored:]
	}
	current := count
	mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}

	log.Printf("invocation #%d: %s %s", current, inv.EventType, inv.EventID)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Stub-Invocation", strconv.FormatInt(current, 10))
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"received": current, "invocation": json.RawMessage(body)})
}

func verify(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	types := make(map[string]int64, len(byType))
	for k, v := range byType {
		types[k] = v
	}
	s := stats{
		Count:           count,
		ByType:          types,
		LastInvocations: append([]invocation(nil), last...),
		Since:           since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
