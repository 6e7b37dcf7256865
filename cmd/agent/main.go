// Command agent is a headless Cowrite client for the terminal. It signs in
// against the relay's HTTP API, joins a document room, and turns stdin
// commands into live edits, which makes it useful for demos and for smoke
// testing a running relay end to end.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"cowrite/collab/internal/collab"
	"cowrite/collab/internal/doctree"
)

func main() {
	apiURL := flag.String("api", "http://localhost:8790", "relay HTTP base URL")
	relayURL := flag.String("relay", "ws://localhost:8790/ws", "relay websocket URL")
	email := flag.String("email", "", "account email")
	password := flag.String("password", "", "account password")
	docID := flag.String("doc", "", "document ID to join (empty creates one)")
	flag.Parse()

	if *email == "" || *password == "" {
		log.Fatal("both -email and -password are required")
	}

	ctx := context.Background()
	account, err := signIn(ctx, *apiURL, *email, *password)
	if err != nil {
		log.Fatalf("sign in failed: %v", err)
	}
	log.Printf("signed in as %s (%s)", account.UserName, account.Role)

	documentID := *docID
	if documentID == "" {
		documentID, err = createDocument(ctx, *apiURL, account.Token)
		if err != nil {
			log.Fatalf("create document failed: %v", err)
		}
		log.Printf("created document %s", documentID)
	}

	surface := &terminalSurface{}
	saver := &httpSaver{baseURL: *apiURL, token: account.Token}

	session := collab.NewSession(collab.SessionConfig{
		RelayURL:   *relayURL,
		DocumentID: documentID,
		UserID:     account.UserID,
		UserName:   account.UserName,
		UserEmail:  *email,
		Token:      account.Token,
		Surface:    surface,
		Saver:      saver,
		OnStatus: func(s collab.Status) {
			log.Printf("connection: %s", s)
		},
		OnRoster: func(peers []collab.PeerState) {
			printRoster(peers)
		},
	})
	session.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		session.Close(ctx)
	}()

	fmt.Println("commands: i <pos> <text> | d <pos> <count> | c <pos> | t <title> | p | r | s | q")
	repl(session, surface)
}

func repl(session *collab.Session, surface *terminalSurface) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 3)
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		switch fields[0] {
		case "i":
			if len(fields) < 3 {
				fmt.Println("usage: i <pos> <text>")
				continue
			}
			pos, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("pos must be an integer")
				continue
			}
			session.Editor.HandleLocalChange(collab.Mutation{
				Kind: collab.MutationInsert, Pos: pos, Text: fields[2],
			})
		case "d":
			if len(fields) < 3 {
				fmt.Println("usage: d <pos> <count>")
				continue
			}
			pos, err1 := strconv.Atoi(fields[1])
			count, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				fmt.Println("pos and count must be integers")
				continue
			}
			session.Editor.HandleLocalChange(collab.Mutation{
				Kind: collab.MutationDelete, Pos: pos, Count: count,
			})
		case "c":
			if len(fields) < 2 {
				fmt.Println("usage: c <pos>")
				continue
			}
			pos, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("pos must be an integer")
				continue
			}
			session.Editor.HandleCursorChange(pos)
		case "t":
			if len(fields) < 2 {
				fmt.Println("usage: t <title>")
				continue
			}
			session.Editor.SetTitle(strings.Join(fields[1:], " "))
		case "p":
			fmt.Printf("--- document ---\n%s\n----------------\n", session.Document.Text())
		case "r":
			printRoster(session.Awareness.Roster())
		case "s":
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := session.Editor.Save(ctx)
			cancel()
			if err != nil {
				fmt.Printf("save failed: %v\n", err)
			} else {
				fmt.Println("saved")
			}
		case "q":
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func printRoster(peers []collab.PeerState) {
	if len(peers) == 0 {
		fmt.Println("no other collaborators")
		return
	}
	for _, p := range peers {
		state := "idle"
		if p.Cursor != nil {
			state = fmt.Sprintf("cursor@%d", *p.Cursor)
		}
		if p.Selection != nil {
			state = fmt.Sprintf("selection %d-%d", p.Selection.Anchor, p.Selection.Head)
		}
		fmt.Printf("  %s (%s) %s\n", p.DisplayName, p.Color, state)
	}
}

// terminalSurface renders remote changes as plain text on stdout.
type terminalSurface struct {
	last *doctree.Node
}

func (t *terminalSurface) SetContent(tree *doctree.Node) {
	t.last = tree
	fmt.Printf("--- remote change ---\n%s\n---------------------\n", doctree.PlainText(tree))
}

func (t *terminalSurface) Content() *doctree.Node {
	return t.last
}

type account struct {
	Token    string `json:"token"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Role     string `json:"role"`
}

func signIn(ctx context.Context, baseURL, email, password string) (account, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/auth/signin", bytes.NewReader(body))
	if err != nil {
		return account{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return account{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return account{}, fmt.Errorf("signin returned %d", resp.StatusCode)
	}
	var acc account
	if err := json.NewDecoder(resp.Body).Decode(&acc); err != nil {
		return account{}, fmt.Errorf("decode signin response: %w", err)
	}
	return acc, nil
}

func createDocument(ctx context.Context, baseURL, token string) (string, error) {
	body, _ := json.Marshal(map[string]string{"title": "Agent session"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/documents", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create document returned %d", resp.StatusCode)
	}
	var doc struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode document: %w", err)
	}
	return doc.ID, nil
}

// httpSaver persists snapshots through the relay's document save endpoint.
type httpSaver struct {
	baseURL string
	token   string
}

func (s *httpSaver) Save(ctx context.Context, req collab.SaveRequest) error {
	payload := map[string]any{}
	if req.Title != nil {
		payload["title"] = *req.Title
	}
	if req.Icon != nil {
		payload["icon"] = *req.Icon
	}
	if req.Content != nil {
		payload["content"] = req.Content
	}
	if len(payload) == 0 {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal save: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut,
		s.baseURL+"/api/documents/"+req.DocumentID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("save returned %d", resp.StatusCode)
	}
	return nil
}
