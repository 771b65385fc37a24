package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultTimeout = 30 * time.Second

// API client

func apiRequest(method, path string, body interface{}) (map[string]interface{}, error) {
	return apiRequestTimeout(method, path, body, defaultTimeout)
}

func apiRequestTimeout(method, path string, body interface{}, timeout time.Duration) (map[string]interface{}, error) {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}
	return apiRequestRaw(method, path, data, timeout)
}

func apiRequestRaw(method, path string, body []byte, timeout time.Duration) (map[string]interface{}, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, serverURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response (HTTP %d): %w", resp.StatusCode, err)
	}

	if success, ok := result["success"].(bool); !ok || !success {
		if errInfo, ok := result["error"].(map[string]interface{}); ok {
			return nil, fmt.Errorf("%s: %s", errInfo["code"], errInfo["message"])
		}
		return nil, fmt.Errorf("request failed with HTTP %d", resp.StatusCode)
	}

	return result, nil
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 1<<20))
}

// Output helpers

func printOutput(data interface{}) {
	switch output {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		_ = enc.Encode(data)
		_ = enc.Close()
	default:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(data)
	}
}

func printExecutionsTable(executions []interface{}) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREPLAY\tEVENT\tSTATE\tOUTCOME\tCREATED")

	for _, e := range executions {
		exec := e.(map[string]interface{})

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(str(exec["id"])),
			str(exec["replay_name"]),
			shortID(eventID(exec)),
			str(exec["state"]),
			orDash(str(exec["outcome"])),
			localTime(str(exec["created_at"])),
		)
	}
	w.Flush()
}

func printExecution(data interface{}) {
	if output != "table" {
		printOutput(data)
		return
	}

	exec := data.(map[string]interface{})
	fmt.Printf("ID:         %s\n", exec["id"])
	fmt.Printf("Replay:     %s\n", exec["replay_name"])
	fmt.Printf("Event ID:   %s\n", eventID(exec))
	fmt.Printf("State:      %s\n", exec["state"])
	fmt.Printf("Outcome:    %s\n", orDash(str(exec["outcome"])))
	if d, ok := exec["decision"].(map[string]interface{}); ok {
		fmt.Printf("Delay:      %s\n", time.Duration(d["delay_seconds"].(float64))*time.Second)
	}
	if s := str(exec["wake_at"]); s != "" {
		fmt.Printf("Wake At:    %s\n", localTime(s))
	}
	fmt.Printf("Created:    %s\n", localTime(str(exec["created_at"])))
	if s := str(exec["completed_at"]); s != "" {
		fmt.Printf("Completed:  %s\n", localTime(s))
	}
	if e := str(exec["error"]); e != "" {
		fmt.Printf("Error:      [%s] %s\n", exec["error_kind"], truncate(e, 200))
	}
	if entries, ok := exec["failed_entries"].([]interface{}); ok {
		for _, fe := range entries {
			entry := fe.(map[string]interface{})
			fmt.Printf("  Rejected: %s %s\n", entry["error_code"], entry["error_message"])
		}
	}
}

// Helpers

func eventID(exec map[string]interface{}) string {
	rc, _ := exec["context"].(map[string]interface{})
	ev, _ := rc["event"].(map[string]interface{})
	return str(ev["id"])
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return orDash(id)
}

func localTime(s string) string {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return orDash(s)
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
