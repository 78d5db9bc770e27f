package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mahaj/chat-dispatch/pkg/model"
)

// verify_dispatch schedules a message through the admin API, triggers a
// discovery cycle and waits for the message to show up in history.

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func call(method, url, token string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s %s: %d %s", method, url, resp.StatusCode, raw)
	}
	if !env.Success {
		return fmt.Errorf("%s %s: %d %s", method, url, resp.StatusCode, env.Error)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	adminAddr := flag.String("admin", "http://localhost:8082", "scheduler admin address")
	userID := flag.String("user", "alice", "sender user id")
	conversationID := flag.String("conversation", "", "conversation id (see scripts/seed)")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to wait for delivery")
	flag.Parse()
	if *conversationID == "" {
		log.Fatal("-conversation is required")
	}

	// 1. Login
	var login struct {
		Token string `json:"token"`
	}
	if err := call(http.MethodPost, *apiAddr+"/login", "", map[string]string{"user_id": *userID}, &login); err != nil {
		log.Fatal("login: ", err)
	}

	// 2. Schedule a message two seconds out
	var created model.ScheduledMessage
	err := call(http.MethodPost, *adminAddr+"/admin/scheduled-messages", login.Token, map[string]any{
		"conversation_id": *conversationID,
		"content":         "verify " + time.Now().Format(time.RFC3339),
		"send_time":       time.Now().Add(2 * time.Second),
	}, &created)
	if err != nil {
		log.Fatal("schedule: ", err)
	}
	log.Printf("scheduled %s for %s", created.ID, created.SendTime.Format(time.RFC3339))

	// 3. Trigger discovery once due, then poll history for the delivered copy
	time.Sleep(time.Until(created.SendTime) + 100*time.Millisecond)
	if err := call(http.MethodPost, *adminAddr+"/admin/scheduler/trigger", login.Token, nil, nil); err != nil {
		log.Fatal("trigger: ", err)
	}

	deadline := time.Now().Add(*timeout)
	for time.Now().Before(deadline) {
		var history []model.Message
		if err := call(http.MethodGet, *apiAddr+"/history?conversation_id="+*conversationID, login.Token, nil, &history); err != nil {
			log.Fatal("history: ", err)
		}
		for _, m := range history {
			if m.Origin.ScheduledMessageID == created.ID {
				log.Printf("delivered as message %d at %s", m.ID, m.CreatedAt.Format(time.RFC3339))
				return
			}
		}
		time.Sleep(time.Second)
	}
	log.Fatalf("scheduled message %s not delivered within %s", created.ID, *timeout)
}
