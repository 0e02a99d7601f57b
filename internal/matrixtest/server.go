// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package matrixtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Event is an event as stored and served by the fake homeserver.
type Event struct {
	EventID        string         `json:"event_id"`
	Type           string         `json:"type"`
	Sender         string         `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         string         `json:"room_id"`
	StateKey       *string        `json:"state_key,omitempty"`

	sequence int
}

type room struct {
	id      string
	members map[string]string // user ID to "join" or "invite"
	invited map[string]int    // user ID to invite event sequence
}

// Server is a fake homeserver bound to a loopback httptest.Server.
type Server struct {
	serverName string
	http       *httptest.Server

	mu          sync.Mutex
	changed     chan struct{}
	tokens      map[string]string
	whoamiCalls map[string]int
	whoamiGate  chan struct{}
	accountData map[string]map[string]json.RawMessage
	rooms       map[string]*room
	events      []*Event
	lastTS      int64
	failSends   map[string]int
	users       int
}

// NewServer starts a fake homeserver. It is shut down when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	server := &Server{
		serverName:  "relay.test",
		changed:     make(chan struct{}),
		tokens:      make(map[string]string),
		whoamiCalls: make(map[string]int),
		accountData: make(map[string]map[string]json.RawMessage),
		rooms:       make(map[string]*room),
		failSends:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/account/whoami", server.handleWhoAmI)
	mux.HandleFunc("GET /_matrix/client/v3/user/{userID}/account_data/{type}", server.handleGetAccountData)
	mux.HandleFunc("PUT /_matrix/client/v3/user/{userID}/account_data/{type}", server.handlePutAccountData)
	mux.HandleFunc("POST /_matrix/client/v3/createRoom", server.handleCreateRoom)
	mux.HandleFunc("POST /_matrix/client/v3/join/{roomID}", server.handleJoin)
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{roomID}/send/{type}/{txn}", server.handleSend)
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{roomID}/messages", server.handleMessages)
	mux.HandleFunc("GET /_matrix/client/v3/sync", server.handleSync)

	server.http = httptest.NewServer(mux)
	t.Cleanup(server.http.Close)
	return server
}

// URL is the homeserver base URL.
func (s *Server) URL() string { return s.http.URL }

// ServerName is the domain part of every user and room ID.
func (s *Server) ServerName() string { return s.serverName }

// AddUser registers localpart and returns its user ID and access token.
func (s *Server) AddUser(localpart string) (userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users++
	userID = "@" + localpart + ":" + s.serverName
	token = fmt.Sprintf("syt_%s_%d", localpart, s.users)
	s.tokens[token] = userID
	return userID, token
}

// RevokeToken makes subsequent requests with token fail with M_UNKNOWN_TOKEN.
func (s *Server) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// WhoAmICalls returns how many whoami requests carried token.
func (s *Server) WhoAmICalls(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.whoamiCalls[token]
}

// GateWhoAmI holds every whoami request until the returned release
// function is called. Requests are counted before they block.
func (s *Server) GateWhoAmI() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.whoamiGate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.whoamiGate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// FailSends makes the next count sends by userID fail with 500 M_UNKNOWN.
func (s *Server) FailSends(userID string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSends[userID] = count
}

// RoomBetween returns the newest room in which both users are members
// (joined or invited), or "".
func (s *Server) RoomBetween(first, second string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []string
	for id, candidate := range s.rooms {
		if candidate.members[first] != "" && candidate.members[second] != "" {
			found = append(found, id)
		}
	}
	if len(found) == 0 {
		return ""
	}
	sort.Strings(found)
	return found[len(found)-1]
}

// Join makes userID join roomID, as the reviewer accepting an invite.
func (s *Server) Join(userID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinLocked(userID, roomID)
}

// Post sends a text message as userID, bypassing HTTP. Returns the
// event's origin_server_ts.
func (s *Server) Post(roomID, userID, body string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.rooms[roomID]
	if !ok {
		return 0, fmt.Errorf("unknown room %s", roomID)
	}
	if target.members[userID] != "join" {
		return 0, fmt.Errorf("%s is not joined to %s", userID, roomID)
	}
	event := s.appendLocked(roomID, "m.room.message", userID, map[string]any{"msgtype": "m.text", "body": body}, nil)
	return event.OriginServerTS, nil
}

// Messages returns the m.room.message events in roomID, oldest first.
func (s *Server) Messages(roomID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, event := range s.events {
		if event.RoomID == roomID && event.Type == "m.room.message" {
			out = append(out, *event)
		}
	}
	return out
}

// AccountData returns userID's global account data of eventType, or nil.
func (s *Server) AccountData(userID, eventType string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountData[userID][eventType]
}

// appendLocked records an event and wakes long-polling syncs.
func (s *Server) appendLocked(roomID, eventType, sender string, content map[string]any, stateKey *string) *Event {
	timestamp := time.Now().UnixMilli()
	if timestamp <= s.lastTS {
		timestamp = s.lastTS + 1
	}
	s.lastTS = timestamp

	event := &Event{
		EventID:        fmt.Sprintf("$%d:%s", len(s.events)+1, s.serverName),
		Type:           eventType,
		Sender:         sender,
		OriginServerTS: timestamp,
		Content:        content,
		RoomID:         roomID,
		StateKey:       stateKey,
		sequence:       len(s.events) + 1,
	}
	s.events = append(s.events, event)
	close(s.changed)
	s.changed = make(chan struct{})
	return event
}

func (s *Server) joinLocked(userID, roomID string) error {
	target, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("unknown room %s", roomID)
	}
	switch target.members[userID] {
	case "join":
		return nil
	case "invite":
	default:
		return fmt.Errorf("%s is not invited to %s", userID, roomID)
	}
	target.members[userID] = "join"
	delete(target.invited, userID)
	key := userID
	s.appendLocked(roomID, "m.room.member", userID, map[string]any{"membership": "join"}, &key)
	return nil
}

// authenticate resolves the bearer token, writing a 401 on failure.
func (s *Server) authenticate(writer http.ResponseWriter, request *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(request.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(writer, http.StatusUnauthorized, "M_MISSING_TOKEN", "missing access token")
		return "", false
	}
	s.mu.Lock()
	userID, known := s.tokens[token]
	s.mu.Unlock()
	if !known {
		writeError(writer, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "unrecognised access token")
		return "", false
	}
	return userID, true
}

func (s *Server) handleWhoAmI(writer http.ResponseWriter, request *http.Request) {
	token, _ := strings.CutPrefix(request.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	s.whoamiCalls[token]++
	gate := s.whoamiGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-request.Context().Done():
			return
		}
	}

	userID, ok := s.authenticate(writer, request)
	if !ok {
		return
	}
	writeJSON(writer, http.StatusOK, map[string]string{"user_id": userID, "device_id": "FAKE"})
}

func (s *Server) handleGetAccountData(writer http.ResponseWriter, request *http.Request) {
	userID, ok := s.authenticate(writer, request)
	if !ok {
		return
	}
	if request.PathValue("userID") != userID {
		writeError(writer, http.StatusForbidden, "M_FORBIDDEN", "cannot read another user's account data")
		return
	}
	s.mu.Lock()
	data := s.accountData[userID][request.PathValue("type")]
	s.mu.Unlock()
	if data == nil {
		writeError(writer, http.StatusNotFound, "M_NOT_FOUND", "account data not found")
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.Write(data)
}

func (s *Server) handlePutAccountData(writer http.ResponseWriter, request *http.Request) {
	userID, ok := s.authenticate(writer, request)
	if !ok {
		return
	}
	if request.PathValue("userID") != userID {
		writeError(writer, http.StatusForbidden, "M_FORBIDDEN", "cannot write another user's account data")
		return
	}
	var content json.RawMessage
	if err := json.NewDecoder(request.Body).Decode(&content); err != nil {
		writeError(writer, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}
	s.mu.Lock()
	if s.accountData[userID] == nil {
		s.accountData[userID] = make(map[string]json.RawMessage)
	}
	s.accountData[userID][request.PathValue("type")] = content
	s.mu.Unlock()
	writeJSON(writer, http.StatusOK, struct{}{})
}

func (s *Server) handleCreateRoom(writer http.ResponseWriter, request *http.Request) {
	userID, ok := s.authenticate(writer, request)
	if !ok {
		return
	}
	var body struct {
		Invite   []string `json:"invite"`
		IsDirect bool     `json:"is_direct"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}

	s.mu.Lock()
	roomID := fmt.Sprintf("!room%04d:%s", len(s.rooms)+1, s.serverName)
	created := &room{
		id:      roomID,
		members: map[string]string{userID: "join"},
		invited: make(map[string]int),
	}
	s.rooms[roomID] = created
	creator := userID
	s.appendLocked(roomID, "m.room.member", userID, map[string]any{"membership": "join"}, &creator)
	for _, invitee := range body.Invite {
		created.members[invitee] = "invite"
		key := invitee
		event := s.appendLocked(roomID, "m.room.member", userID, map[string]any{"membership": "invite", "is_direct": body.IsDirect}, &key)
		created.invited[invitee] = event.sequence
	}
	s.mu.Unlock()

	writeJSON(writer, http.StatusOK, map[string]string{"room_id": roomID})
}

func (s *Server) handleJoin(writer http.ResponseWriter, request *http.Request) {
	userID, ok := s.authenticate(writer, request)
	if !ok {
		return
	}
	roomID := request.PathValue("roomID")
	s.mu.Lock()
	err := s.joinLocked(userID, roomID)
	s.mu.Unlock()
	if err != nil {
		writeError(writer, http.StatusForbidden, "M_FORBIDDEN", err.Error())
		return
	}
	writeJSON(writer, http.StatusOK, map[string]string{"room_id": roomID})
}

func (s *Server) handleSend(writer http.ResponseWriter, request *http.Request) {
	userID, ok := s.authenticate(writer, request)
	if !ok {
		return
	}
	var content map[string]any
	if err := json.NewDecoder(request.Body).Decode(&content); err != nil {
		writeError(writer, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}

	roomID := request.PathValue("roomID")
	s.mu.Lock()
	defer s.mu.Unlock()
	if remaining := s.failSends[userID]; remaining > 0 {
		s.failSends[userID] = remaining - 1
		writeError(writer, http.StatusInternalServerError, "M_UNKNOWN", "injected send failure")
		return
	}
	target, known := s.rooms[roomID]
	if !known || target.members[userID] != "join" {
		writeError(writer, http.StatusForbidden, "M_FORBIDDEN", "not joined to room")
		return
	}
	event := s.appendLocked(roomID, request.PathValue("type"), userID, content, nil)
	writeJSON(writer, http.StatusOK, map[string]string{"event_id": event.EventID})
}

func (s *Server) handleMessages(writer http.ResponseWriter, request *http.Request) {
	userID, ok := s.authenticate(writer, request)
	if !ok {
		return
	}
	roomID := request.PathValue("roomID")
	limit := 10
	if raw := request.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(writer, http.StatusBadRequest, "M_INVALID_PARAM", "bad limit")
			return
		}
		limit = parsed
	}
	if request.URL.Query().Get("dir") != "b" {
		writeError(writer, http.StatusBadRequest, "M_INVALID_PARAM", "only dir=b is supported")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	target, known := s.rooms[roomID]
	if !known || target.members[userID] != "join" {
		writeError(writer, http.StatusForbidden, "M_FORBIDDEN", "not joined to room")
		return
	}
	chunk := []Event{}
	for index := len(s.events) - 1; index >= 0 && len(chunk) < limit; index-- {
		if s.events[index].RoomID == roomID {
			chunk = append(chunk, *s.events[index])
		}
	}
	writeJSON(writer, http.StatusOK, map[string]any{"start": "s" + strconv.Itoa(len(s.events)), "end": "t0", "chunk": chunk})
}

// syncFilter is the subset of the Matrix filter the fake honours.
type syncFilter struct {
	Room struct {
		Rooms    []string `json:"rooms"`
		Timeline struct {
			Types []string `json:"types"`
			Limit int      `json:"limit"`
		} `json:"timeline"`
	} `json:"room"`
}

func (s *Server) handleSync(writer http.ResponseWriter, request *http.Request) {
	userID, ok := s.authenticate(writer, request)
	if !ok {
		return
	}
	query := request.URL.Query()

	var filter syncFilter
	if raw := query.Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			writeError(writer, http.StatusBadRequest, "M_INVALID_PARAM", "filter must be inline JSON")
			return
		}
	}
	since := -1
	if raw := query.Get("since"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(writer, http.StatusBadRequest, "M_INVALID_PARAM", "bad since token")
			return
		}
		since = parsed
	}
	timeout := 0
	if raw := query.Get("timeout"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(writer, http.StatusBadRequest, "M_INVALID_PARAM", "bad timeout")
			return
		}
		timeout = parsed
	}

	deadline := time.NewTimer(time.Duration(timeout) * time.Millisecond)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		response, hasData := s.buildSyncLocked(userID, since, &filter)
		changed := s.changed
		s.mu.Unlock()

		if hasData || since < 0 || timeout == 0 {
			writeJSON(writer, http.StatusOK, response)
			return
		}
		select {
		case <-changed:
		case <-deadline.C:
			writeJSON(writer, http.StatusOK, response)
			return
		case <-request.Context().Done():
			return
		}
	}
}

func (s *Server) buildSyncLocked(userID string, since int, filter *syncFilter) (map[string]any, bool) {
	limit := filter.Room.Timeline.Limit
	if limit <= 0 {
		limit = 10
	}
	allowedRoom := func(roomID string) bool {
		if filter.Room.Rooms == nil {
			return true
		}
		for _, candidate := range filter.Room.Rooms {
			if candidate == roomID {
				return true
			}
		}
		return false
	}
	allowedType := func(eventType string) bool {
		if filter.Room.Timeline.Types == nil {
			return true
		}
		for _, candidate := range filter.Room.Timeline.Types {
			if candidate == eventType {
				return true
			}
		}
		return false
	}

	join := map[string]any{}
	invite := map[string]any{}
	hasData := false

	for roomID, candidate := range s.rooms {
		if !allowedRoom(roomID) {
			continue
		}
		switch candidate.members[userID] {
		case "join":
			var timeline []Event
			for _, event := range s.events {
				if event.RoomID != roomID || event.sequence <= since || !allowedType(event.Type) {
					continue
				}
				timeline = append(timeline, *event)
			}
			limited := false
			if since < 0 && len(timeline) > limit {
				timeline = timeline[len(timeline)-limit:]
				limited = true
			}
			if len(timeline) == 0 {
				continue
			}
			hasData = true
			join[roomID] = map[string]any{"timeline": map[string]any{"events": timeline, "limited": limited, "prev_batch": "p0"}}
		case "invite":
			if candidate.invited[userID] <= since {
				continue
			}
			hasData = true
			inviteEvent := s.events[candidate.invited[userID]-1]
			invite[roomID] = map[string]any{"invite_state": map[string]any{"events": []Event{*inviteEvent}}}
		}
	}

	return map[string]any{
		"next_batch": strconv.Itoa(len(s.events)),
		"rooms":      map[string]any{"join": join, "invite": invite},
	}, hasData
}

func writeJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(value)
}

func writeError(writer http.ResponseWriter, status int, code, message string) {
	writeJSON(writer, status, map[string]string{"errcode": code, "error": message})
}
