// Command runner triggers a settlement run over the HTTP API and polls the
// settlement until the background worker finishes. Intended for cron and
// operator use.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"
)

var (
	baseURL      string
	settlementID int64
	businessID   int64
	forceRun     bool
	addPast      bool
	pollEvery    time.Duration
	timeout      time.Duration
)

func init() {
	flag.StringVar(&baseURL, "url", "http://localhost:8080", "API Base URL")
	flag.Int64Var(&settlementID, "settlement", 0, "Settlement ID to run")
	flag.Int64Var(&businessID, "business", 0, "Run for a single business (optional)")
	flag.BoolVar(&forceRun, "force", false, "Pay the full settlement total")
	flag.BoolVar(&addPast, "past", false, "Include past-due carry-over")
	flag.DurationVar(&pollEvery, "poll", 2*time.Second, "Poll interval")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "Give up after this long")
}

func main() {
	flag.Parse()
	if settlementID == 0 {
		log.Fatal("missing -settlement")
	}

	if err := trigger(); err != nil {
		log.Fatalf("Run rejected: %v", err)
	}
	log.Printf("Run accepted for settlement %d, polling...", settlementID)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(pollEvery)

		status, running, err := fetchStatus()
		if err != nil {
			log.Printf("Poll failed: %v", err)
			continue
		}
		log.Printf("status=%s running=%v", status, running)

		if !running {
			if status == "COMPLETED" {
				log.Println("Settlement completed.")
			} else {
				log.Printf("Run finished with status %s; some lumps may need a retry.", status)
			}
			return
		}
	}
	log.Fatal("Timed out waiting for run to finish")
}

func trigger() error {
	endpoint := fmt.Sprintf("%s/api/v1/settlements/%d/run", baseURL, settlementID)
	payload := map[string]interface{}{"force_run": forceRun, "add_past": addPast}
	if businessID != 0 {
		endpoint += "/business"
		payload = map[string]interface{}{"business_id": businessID}
	}

	body, _ := json.Marshal(payload)
	resp, err := http.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var out map[string]string
		json.NewDecoder(resp.Body).Decode(&out)
		return fmt.Errorf("%d: %s", resp.StatusCode, out["error"])
	}
	return nil
}

func fetchStatus() (status string, running bool, err error) {
	resp, err := http.Get(fmt.Sprintf("%s/api/v1/settlements/%d", baseURL, settlementID))
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Status    string `json:"status"`
		IsRunning bool   `json:"is_running"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, err
	}
	return out.Status, out.IsRunning, nil
}
