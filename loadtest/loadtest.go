package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

func main() {
	url := "http://localhost:8080/jobs"

	totalRequests := 100
	ratePerSecond := 5
	numbersPerJob := 10

	ticker := time.NewTicker(time.Second / time.Duration(ratePerSecond))
	defer ticker.Stop()

	var wg sync.WaitGroup
	client := &http.Client{}

	for i := 1; i <= totalRequests; i++ {
		<-ticker.C // enforce rate limit

		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			numbers := make([]string, numbersPerJob)
			for j := range numbers {
				numbers[j] = fmt.Sprintf("+1415%07d", n*numbersPerJob+j)
			}

			payload := map[string]interface{}{
				"owner":     "loadtest",
				"numbers":   numbers,
				"platforms": []string{"whatsapp", "telegram"},
				"method":    "basic",
			}

			jsonData, _ := json.Marshal(payload)

			req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonData))
			if err != nil {
				fmt.Printf("Request %d: error creating request: %v\n", n, err)
				return
			}

			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				fmt.Printf("Request %d: error sending request: %v\n", n, err)
				return
			}
			defer resp.Body.Close()

			bodyBytes, err := io.ReadAll(resp.Body)
			if err != nil {
				log.Fatal(err)
			}

			fmt.Printf("Request %d -> Status: %d, content: %s\n", n, resp.StatusCode, string(bodyBytes))
		}(i)
	}

	wg.Wait()
	fmt.Println("All requests completed")
}
