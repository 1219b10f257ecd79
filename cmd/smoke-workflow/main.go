package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// Drives a seeded instance through the Draft -> Review happy path over
// plain HTTP. Expects the editorial seed (content item 500, user ursula).
func main() {
	base := os.Getenv("CONTENTFLOW_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	contentID := os.Getenv("CONTENTFLOW_SMOKE_CONTENT")
	if contentID == "" {
		contentID = "500"
	}

	client := &http.Client{Timeout: 5 * time.Second}

	token := obtainToken(client, base, "ursula", []string{"Author"})
	authed := map[string]string{"Authorization": "Bearer " + token}

	res := postJSON(client, base+"/v1/content/"+contentID+"/actions",
		map[string]any{"action": "checkout"}, authed)
	if res["checkout_user"] != "ursula" {
		log.Fatalf("checkout: unexpected holder %v", res["checkout_user"])
	}

	res = postJSON(client, base+"/v1/content/"+contentID+"/actions",
		map[string]any{"action": "checkin"}, authed)
	if res["checked_out"] == true {
		log.Fatalf("checkin: item still checked out")
	}

	res = postJSON(client, base+"/v1/content/"+contentID+"/actions",
		map[string]any{"action": "transition", "trigger": "submit"}, authed)
	if res["performed"] != true {
		log.Fatalf("submit: transition not performed: %v", res)
	}
	newState, _ := res["new_state_id"].(float64)
	if newState != 2 {
		log.Fatalf("submit: unexpected state %v", res["new_state_id"])
	}

	fmt.Printf("✅ workflow smoke test passed: content=%s state=%v\n", contentID, newState)
}

func obtainToken(client *http.Client, base, user string, roles []string) string {
	res := postJSON(client, base+"/v1/auth/token",
		map[string]any{"user": user, "roles": roles}, nil)
	token, _ := res["token"].(string)
	if token == "" {
		log.Fatalf("token: empty response %v", res)
	}
	return token
}

func postJSON(client *http.Client, url string, body map[string]any, headers map[string]string) map[string]any {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s: %v", url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("%s: decode: %v", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("%s: status %d: %v", url, resp.StatusCode, out)
	}
	return out
}
