package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

const baseURL = "http://localhost:8080"

const smokeCSV = `Symbol,Quantity,Last Price,Current Value,Average Cost Basis
AAPL,10,182.50,1825.00,150.00
VOO,5,420.00,2100.00,380.00
AAPL240119C00150000,1,35.00,3500.00,28.50
`

func main() {
	// Wait for server to start
	time.Sleep(2 * time.Second)

	orgID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	// 1. Health Check
	checkEndpoint("GET", "/health", nil, 200)

	// 2. Create file-import connection
	connectionID := createConnection(orgID)
	fmt.Printf("Created Connection ID: %s\n", connectionID)

	// 3. Connection is readable, alone and in the org listing
	checkEndpoint("GET", "/connections/"+connectionID, nil, 200)
	checkEndpoint("GET", "/connections?org_id="+url.QueryEscape(orgID), nil, 200)

	// 4. First sync
	syncConnection(connectionID, map[string]interface{}{})

	// 5. Re-sync without force must be throttled (still 200, skipped=true)
	syncConnection(connectionID, map[string]interface{}{})

	// 6. Forced re-sync runs again
	syncConnection(connectionID, map[string]interface{}{"force_refresh": true})

	// 7. Aggregated positions
	checkEndpoint("GET", "/positions?org_id="+url.QueryEscape(orgID), nil, 200)
	checkEndpoint("GET", "/positions?org_id="+url.QueryEscape(orgID)+"&options_only=true", nil, 200)

	// 8. Portfolio summary
	checkEndpoint("GET", "/portfolio/"+url.PathEscape(orgID), nil, 200)

	// 9. Disconnect
	checkEndpoint("DELETE", "/connections/"+connectionID, nil, 200)

	// 10. Positions are gone with the connection
	checkEndpoint("GET", "/positions?org_id="+url.QueryEscape(orgID), nil, 200)

	fmt.Println("ALL TESTS PASSED")
}

func checkEndpoint(method, path string, body interface{}, expectedStatus int) []byte {
	fmt.Printf("Testing %s %s...\n", method, path)
	var bodyReader io.Reader
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, _ := http.NewRequest(method, baseURL+path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != expectedStatus {
		log.Fatalf("Expected status %d, got %d. Body: %s", expectedStatus, resp.StatusCode, string(respBody))
	}
	fmt.Printf("Response: %s\n", string(respBody))
	return respBody
}

func createConnection(orgID string) string {
	fmt.Println("Creating connection...")
	reqBody := map[string]interface{}{
		"org_id":       orgID,
		"user_id":      "smoke-user",
		"broker":       "generic_csv",
		"file_content": smokeCSV,
		"file_name":    "smoke.csv",
	}
	jsonBody, _ := json.Marshal(reqBody)
	resp, err := http.Post(baseURL+"/connections", "application/json", bytes.NewBuffer(jsonBody))
	if err != nil {
		log.Fatalf("Create connection failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 201 {
		body, _ := io.ReadAll(resp.Body)
		log.Fatalf("Create connection failed with status %d: %s", resp.StatusCode, string(body))
	}

	var res struct {
		ConnectionID string `json:"connection_id"`
	}
	json.NewDecoder(resp.Body).Decode(&res)
	if res.ConnectionID == "" {
		log.Fatal("No connection_id in response")
	}
	return res.ConnectionID
}

func syncConnection(connectionID string, body map[string]interface{}) {
	respBody := checkEndpoint("POST", "/connections/"+connectionID+"/sync", body, 200)
	var res struct {
		Success bool `json:"success"`
		Skipped bool `json:"skipped"`
	}
	json.Unmarshal(respBody, &res)
	fmt.Printf("Sync success=%v skipped=%v\n", res.Success, res.Skipped)
}
