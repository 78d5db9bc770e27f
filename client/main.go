package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/chat-dispatch/pkg/model"
)

type loginResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Token string `json:"token"`
	} `json:"data"`
}

func login(apiAddr, userID string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", string(body))
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", err
	}
	return lr.Data.Token, nil
}

type incoming struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func render(ev incoming) string {
	switch ev.Name {
	case model.EventNewMessage:
		var p model.NewMessagePayload
		_ = json.Unmarshal(ev.Data, &p)
		tag := ""
		if p.Origin == model.OriginScheduled {
			tag = " [scheduled]"
		}
		return fmt.Sprintf("#%d %s%s: %s", p.ID, p.SenderName, tag, p.Content)
	case model.EventUserTyping:
		var p model.TypingPayload
		_ = json.Unmarshal(ev.Data, &p)
		if p.IsTyping {
			return fmt.Sprintf("%s is typing...", p.UserID)
		}
		return fmt.Sprintf("%s stopped typing", p.UserID)
	case model.EventUserOnline, model.EventUserOffline:
		var p model.PresencePayload
		_ = json.Unmarshal(ev.Data, &p)
		return fmt.Sprintf("%s is %s", p.UserID, strings.TrimPrefix(ev.Name, "user_"))
	case model.EventUserJoinedRoom, model.EventUserLeftRoom:
		var p model.RoomPayload
		_ = json.Unmarshal(ev.Data, &p)
		verb := "joined"
		if ev.Name == model.EventUserLeftRoom {
			verb = "left"
		}
		return fmt.Sprintf("%s %s %s", p.UserID, verb, p.ConversationID)
	case model.EventMessageReceived, model.EventMessageRead:
		var p model.StatusPayload
		_ = json.Unmarshal(ev.Data, &p)
		return fmt.Sprintf("%s: #%d %s", p.UserID, p.MessageID, strings.TrimPrefix(ev.Name, "message_"))
	case model.EventError:
		var p model.ErrorPayload
		_ = json.Unmarshal(ev.Data, &p)
		return fmt.Sprintf("error (%s %s): %s", p.Request, p.Code, p.Message)
	}
	return fmt.Sprintf("%s %s", ev.Name, ev.Data)
}

func frame(name string, data any) []byte {
	raw, _ := json.Marshal(data)
	out, _ := json.Marshal(model.Inbound{Name: name, Data: raw})
	return out
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "alice", "user id")
	conversationID := flag.String("conversation", "", "conversation to join")
	flag.Parse()

	// 1. Login to get token
	log.Printf("Logging in as %s...", *userID)
	token, err := login(*apiAddr, *userID)
	if err != nil {
		log.Fatal("Login failed:", err)
	}

	// 2. Connect to WebSocket with token
	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	log.Printf("connecting to %s", u.String())
	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)

	c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	// The reader goroutine acks messages while stdin sends; gorilla allows
	// one concurrent writer.
	var writeMu sync.Mutex
	write := func(b []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return c.WriteMessage(websocket.TextMessage, b)
	}

	if *conversationID != "" {
		if err := write(frame(model.InJoinRoom, model.RoomRequest{ConversationID: *conversationID})); err != nil {
			log.Fatal("join:", err)
		}
	}

	done := make(chan struct{})

	// 3. Print events; new messages are acknowledged as received
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Println("read:", err)
				return
			}
			var ev incoming
			if err := json.Unmarshal(message, &ev); err != nil {
				log.Printf("Received raw: %s", message)
				continue
			}
			fmt.Printf("\r%s\n> ", render(ev))

			if ev.Name == model.EventNewMessage {
				var p model.NewMessagePayload
				if json.Unmarshal(ev.Data, &p) == nil && p.SenderID != *userID {
					_ = write(frame(model.InMessageReceived, model.StatusRequest{MessageID: p.ID, ConversationID: p.ConversationID}))
				}
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// 4. Read commands and messages from stdin
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			var out []byte
			switch {
			case text == "":
			case text == "/quit":
				interrupt <- os.Interrupt
				return
			case text == "/typing", text == "/stop":
				out = frame(model.InTyping, model.TypingRequest{ConversationID: *conversationID, IsTyping: text == "/typing"})
			case text == "/leave":
				out = frame(model.InLeaveRoom, model.RoomRequest{ConversationID: *conversationID})
			case strings.HasPrefix(text, "/join "):
				*conversationID = strings.TrimSpace(strings.TrimPrefix(text, "/join "))
				out = frame(model.InJoinRoom, model.RoomRequest{ConversationID: *conversationID})
			case strings.HasPrefix(text, "/read "):
				id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(text, "/read ")), 10, 64)
				if err != nil {
					fmt.Println("usage: /read <message id>")
					break
				}
				out = frame(model.InMessageRead, model.StatusRequest{MessageID: id, ConversationID: *conversationID})
			default:
				out = frame(model.InSendMessage, model.SendRequest{ConversationID: *conversationID, Content: text})
			}
			if out != nil {
				if err := write(out); err != nil {
					log.Println("write:", err)
					return
				}
			}
			fmt.Print("> ")
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("interrupt")

			// Cleanly close the connection by sending a close message and then
			// waiting (with timeout) for the server to close the connection.
			writeMu.Lock()
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			writeMu.Unlock()
			if err != nil {
				log.Println("write close:", err)
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
