// Package dynamo is the edge server's table store. All lookups go through
// global secondary indexes; writes are plain puts with edge-assigned
// nanosecond sort keys.
//
// Store calls never surface transport errors to handlers: a failed call is
// logged, counted, and returned as an empty result, and the next call
// rebuilds the client. A storage outage must degrade queries, not client
// sockets.
package dynamo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chatwire/chatwire/internal/wire"
)

// API is the slice of the DynamoDB client the store uses.
type API interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Tables names the five tables the store reads and writes.
type Tables struct {
	Session         string
	ChatRoom        string
	ChatMessage     string
	LastMessageRead string
	CustomData      string
}

// Session resolves a client token to its user and device.
type Session struct {
	AppUserIdentifier string `dynamodbav:"app_user_identifier"`
	DeviceIdentifier  string `dynamodbav:"device_identifier"`
	FCMToken          string `dynamodbav:"fcm_token"`
}

// ChatRoom is the membership row for one room.
type ChatRoom struct {
	Identifier string   `dynamodbav:"identifier"`
	Type       int      `dynamodbav:"type"`
	AppUsers   []string `dynamodbav:"app_users"`
}

// Message is one persisted chat message. CustomData is not stored; handlers
// fill it from the cache before replying.
type Message struct {
	ChatRoomIdentifier         string          `dynamodbav:"chat_room_identifier" json:"chat_room_identifier"`
	Message                    string          `dynamodbav:"message" json:"message"`
	MessageTimestampIdentifier int64           `dynamodbav:"message_timestamp_identifier" json:"message_timestamp_identifier"`
	AppUserIdentifier          string          `dynamodbav:"app_user_identifier,omitempty" json:"app_user_identifier,omitempty"`
	IsSystemMessage            bool            `dynamodbav:"is_system_message" json:"is_system_message"`
	CustomData                 json.RawMessage `dynamodbav:"-" json:"custom_data,omitempty"`
}

// LastMessageRead marks the newest message a user has read in a room. The
// row id exists only to address the row for replacement and never leaves the
// server.
type LastMessageRead struct {
	Identifier                 string          `dynamodbav:"identifier" json:"-"`
	ChatRoomIdentifier         string          `dynamodbav:"chat_room_identifier" json:"chat_room_identifier"`
	AppUserIdentifier          string          `dynamodbav:"app_user_identifier" json:"app_user_identifier"`
	MessageTimestampIdentifier int64           `dynamodbav:"message_timestamp_identifier" json:"message_timestamp_identifier"`
	CustomData                 json.RawMessage `dynamodbav:"-" json:"custom_data,omitempty"`
}

// Options configures a Store.
type Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	MaxMessageLimit int
	Logger          zerolog.Logger

	// NewClient overrides the client factory, for tests.
	NewClient func(ctx context.Context) (API, error)
}

// Store runs all table operations for one edge server.
type Store struct {
	tables   Tables
	maxLimit int
	perf     *Perf
	log      zerolog.Logger

	mu        sync.Mutex
	client    API
	reconnect bool
	factory   func(ctx context.Context) (API, error)

	idMu       sync.Mutex
	lastIssued int64
	now        func() time.Time
}

// New returns a Store over the given tables. The client is built lazily on
// first use.
func New(tables Tables, perf *Perf, opts Options) *Store {
	s := &Store{
		tables:    tables,
		maxLimit:  opts.MaxMessageLimit,
		perf:      perf,
		log:       opts.Logger.With().Str("component", "dynamo").Logger(),
		reconnect: true,
		factory:   opts.NewClient,
		now:       time.Now,
	}
	if s.factory == nil {
		s.factory = func(ctx context.Context) (API, error) {
			return buildClient(ctx, opts.Region, opts.AccessKeyID, opts.SecretAccessKey)
		}
	}
	return s
}

func buildClient(ctx context.Context, region, accessKeyID, secretAccessKey string) (API, error) {
	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKeyID != "" && secretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

// connect returns the current client, rebuilding it after a failed call.
func (s *Store) connect(ctx context.Context) (API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reconnect && s.client != nil {
		return s.client, nil
	}

	client, err := s.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("build dynamodb client: %w", err)
	}
	s.client = client
	s.reconnect = false
	s.log.Debug().Msg("Connected to the table store")
	return client, nil
}

func (s *Store) markBroken() {
	s.mu.Lock()
	s.reconnect = true
	s.mu.Unlock()
}

// FetchSession resolves token via the token index. Returns nil for unknown
// tokens and on store failure.
func (s *Store) FetchSession(ctx context.Context, token string) *Session {
	items := s.query(ctx, queryInput{
		table:   s.tables.Session,
		index:   "token-index",
		keyExpr: "#pk = :token",
		names:   map[string]string{"#pk": "token"},
		values: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
		},
	})
	if len(items) == 0 {
		return nil
	}

	var session Session
	if err := attributevalue.UnmarshalMap(items[0], &session); err != nil {
		s.log.Error().Err(err).Msg("Failed to unmarshal session item")
		return nil
	}
	return &session
}

// FetchCustomData returns the opaque custom data blob attached to a user, or
// nil when none is stored.
func (s *Store) FetchCustomData(ctx context.Context, appUserIdentifier string) json.RawMessage {
	items := s.query(ctx, queryInput{
		table:   s.tables.CustomData,
		index:   "app_user_identifier-index",
		keyExpr: "#pk = :user",
		names:   map[string]string{"#pk": "app_user_identifier"},
		values: map[string]types.AttributeValue{
			":user": &types.AttributeValueMemberS{Value: appUserIdentifier},
		},
	})
	if len(items) == 0 {
		return nil
	}

	var row struct {
		CustomData any `dynamodbav:"custom_data"`
	}
	if err := attributevalue.UnmarshalMap(items[0], &row); err != nil {
		s.log.Error().Err(err).Msg("Failed to unmarshal custom data item")
		return nil
	}
	if row.CustomData == nil {
		return nil
	}

	raw, err := json.Marshal(row.CustomData)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode custom data")
		return nil
	}
	return raw
}

// FetchDeviceFCMTokens lists the push tokens of every device session the
// user has.
func (s *Store) FetchDeviceFCMTokens(ctx context.Context, appUserIdentifier string) []string {
	items := s.query(ctx, queryInput{
		table:   s.tables.Session,
		index:   "app_user_identifier-index",
		keyExpr: "#pk = :user",
		names:   map[string]string{"#pk": "app_user_identifier"},
		values: map[string]types.AttributeValue{
			":user": &types.AttributeValueMemberS{Value: appUserIdentifier},
		},
	})
	if len(items) == 0 {
		return nil
	}

	var sessions []Session
	if err := attributevalue.UnmarshalListOfMaps(items, &sessions); err != nil {
		s.log.Error().Err(err).Msg("Failed to unmarshal session items")
		return nil
	}

	tokens := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		tokens = append(tokens, sess.FCMToken)
	}
	return tokens
}

// FetchChatRoom returns the membership row for a room, or nil when the room
// does not exist. Rooms without an explicit type are regular rooms.
func (s *Store) FetchChatRoom(ctx context.Context, chatRoomIdentifier string) *ChatRoom {
	items := s.query(ctx, queryInput{
		table:   s.tables.ChatRoom,
		index:   "identifier-index",
		keyExpr: "#pk = :room",
		names:   map[string]string{"#pk": "identifier"},
		values: map[string]types.AttributeValue{
			":room": &types.AttributeValueMemberS{Value: chatRoomIdentifier},
		},
	})
	if len(items) == 0 {
		return nil
	}

	var room ChatRoom
	if err := attributevalue.UnmarshalMap(items[0], &room); err != nil {
		s.log.Error().Err(err).Msg("Failed to unmarshal chat room item")
		return nil
	}
	if room.Type == 0 {
		room.Type = wire.RoomRegular
	}
	return &room
}

// FetchChatRoomMessages returns up to limit messages older than
// fromMessageIdentifier, newest first. The limit is clamped to the
// configured maximum.
func (s *Store) FetchChatRoomMessages(ctx context.Context, chatRoomIdentifier string, fromMessageIdentifier int64, limit int) []Message {
	items := s.query(ctx, queryInput{
		table:   s.tables.ChatMessage,
		index:   "chat_room_identifier-message_timestamp_identifier-index",
		keyExpr: "#pk = :room AND #sk < :from",
		names: map[string]string{
			"#pk": "chat_room_identifier",
			"#sk": "message_timestamp_identifier",
		},
		values: map[string]types.AttributeValue{
			":room": &types.AttributeValueMemberS{Value: chatRoomIdentifier},
			":from": &types.AttributeValueMemberN{Value: strconv.FormatInt(fromMessageIdentifier, 10)},
		},
		limit:    limit,
		backward: true,
	})
	if len(items) == 0 {
		return nil
	}

	var messages []Message
	if err := attributevalue.UnmarshalListOfMaps(items, &messages); err != nil {
		s.log.Error().Err(err).Msg("Failed to unmarshal message items")
		return nil
	}
	return messages
}

// FetchReadMessageUsers returns the read markers pointing at exactly the
// given message.
func (s *Store) FetchReadMessageUsers(ctx context.Context, chatRoomIdentifier string, messageTimestampIdentifier int64) []LastMessageRead {
	items := s.query(ctx, queryInput{
		table:   s.tables.LastMessageRead,
		index:   "chat_room_identifier-message_timestamp_identifier-index",
		keyExpr: "#pk = :room AND #sk = :ts",
		names: map[string]string{
			"#pk": "chat_room_identifier",
			"#sk": "message_timestamp_identifier",
		},
		values: map[string]types.AttributeValue{
			":room": &types.AttributeValueMemberS{Value: chatRoomIdentifier},
			":ts":   &types.AttributeValueMemberN{Value: strconv.FormatInt(messageTimestampIdentifier, 10)},
		},
	})
	return s.unmarshalReadMarkers(items)
}

// FetchLastMessagesRead returns every user's read marker in a room.
func (s *Store) FetchLastMessagesRead(ctx context.Context, chatRoomIdentifier string) []LastMessageRead {
	items := s.query(ctx, queryInput{
		table:   s.tables.LastMessageRead,
		index:   "chat_room_identifier-index",
		keyExpr: "#pk = :room",
		names:   map[string]string{"#pk": "chat_room_identifier"},
		values: map[string]types.AttributeValue{
			":room": &types.AttributeValueMemberS{Value: chatRoomIdentifier},
		},
	})
	return s.unmarshalReadMarkers(items)
}

func (s *Store) unmarshalReadMarkers(items []map[string]types.AttributeValue) []LastMessageRead {
	if len(items) == 0 {
		return nil
	}
	var markers []LastMessageRead
	if err := attributevalue.UnmarshalListOfMaps(items, &markers); err != nil {
		s.log.Error().Err(err).Msg("Failed to unmarshal read marker items")
		return nil
	}
	return markers
}

// UpdateLastMessageRead replaces the user's read marker in a room: stale
// rows for the user are deleted, then a fresh row is written. At most one
// row per (room, user) survives.
func (s *Store) UpdateLastMessageRead(ctx context.Context, chatRoomIdentifier, appUserIdentifier string, messageTimestampIdentifier int64) {
	for _, marker := range s.FetchLastMessagesRead(ctx, chatRoomIdentifier) {
		if marker.AppUserIdentifier == appUserIdentifier {
			s.delete(ctx, s.tables.LastMessageRead, map[string]types.AttributeValue{
				"identifier": &types.AttributeValueMemberS{Value: marker.Identifier},
			})
		}
	}
	s.createLastMessageRead(ctx, chatRoomIdentifier, appUserIdentifier, messageTimestampIdentifier)
}

// CreateChatMessage persists a user message and returns its timestamp
// identifier. The identifier is issued even when the write fails so the
// frame can still be routed.
func (s *Store) CreateChatMessage(ctx context.Context, chatRoomIdentifier, appUserIdentifier, message string) int64 {
	ts := s.nextTimestamp()
	s.putMessage(ctx, Message{
		ChatRoomIdentifier:         chatRoomIdentifier,
		Message:                    message,
		MessageTimestampIdentifier: ts,
		AppUserIdentifier:          appUserIdentifier,
	})
	return ts
}

// CreateSystemMessage persists an authorless system message and returns its
// timestamp identifier.
func (s *Store) CreateSystemMessage(ctx context.Context, chatRoomIdentifier, message string) int64 {
	ts := s.nextTimestamp()
	s.putMessage(ctx, Message{
		ChatRoomIdentifier:         chatRoomIdentifier,
		Message:                    message,
		MessageTimestampIdentifier: ts,
		IsSystemMessage:            true,
	})
	return ts
}

func (s *Store) putMessage(ctx context.Context, msg Message) {
	item, err := attributevalue.MarshalMap(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal message item")
		return
	}
	s.put(ctx, s.tables.ChatMessage, item)
}

func (s *Store) createLastMessageRead(ctx context.Context, chatRoomIdentifier, appUserIdentifier string, messageTimestampIdentifier int64) {
	item, err := attributevalue.MarshalMap(LastMessageRead{
		Identifier:                 uuid.NewString(),
		ChatRoomIdentifier:         chatRoomIdentifier,
		AppUserIdentifier:          appUserIdentifier,
		MessageTimestampIdentifier: messageTimestampIdentifier,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal read marker item")
		return
	}
	s.put(ctx, s.tables.LastMessageRead, item)
}

// nextTimestamp issues a strictly increasing nanosecond identifier. Wall
// clock collisions within the process are bumped by one so messages in the
// same room never tie on the sort key.
func (s *Store) nextTimestamp() int64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	ts := s.now().UnixNano()
	if ts <= s.lastIssued {
		ts = s.lastIssued + 1
	}
	s.lastIssued = ts
	return ts
}

type queryInput struct {
	table    string
	index    string
	keyExpr  string
	names    map[string]string
	values   map[string]types.AttributeValue
	limit    int
	backward bool
}

func (s *Store) query(ctx context.Context, in queryInput) []map[string]types.AttributeValue {
	client, err := s.connect(ctx)
	if err != nil {
		s.perf.Update(in.table, OpRead, true, in.index)
		s.log.Error().Err(err).Str("table", in.table).Msg("Lost connection with the table store")
		return nil
	}

	limit := in.limit
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	params := &dynamodb.QueryInput{
		TableName:                 aws.String(in.table),
		IndexName:                 aws.String(in.index),
		KeyConditionExpression:    aws.String(in.keyExpr),
		ExpressionAttributeNames:  in.names,
		ExpressionAttributeValues: in.values,
		ScanIndexForward:          aws.Bool(!in.backward),
	}
	if limit > 0 {
		params.Limit = aws.Int32(int32(limit))
	}

	out, err := client.Query(ctx, params)
	if err != nil {
		s.markBroken()
		s.perf.Update(in.table, OpRead, true, in.index)
		s.log.Error().Err(err).Str("table", in.table).Msg("Lost connection with the table store")
		return nil
	}

	s.perf.Update(in.table, OpRead, false, in.index)
	return out.Items
}

func (s *Store) put(ctx context.Context, table string, item map[string]types.AttributeValue) {
	client, err := s.connect(ctx)
	if err != nil {
		s.perf.Update(table, OpWrite, true, "")
		s.log.Error().Err(err).Str("table", table).Msg("Lost connection with the table store")
		return
	}

	if _, err := client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	}); err != nil {
		s.markBroken()
		s.perf.Update(table, OpWrite, true, "")
		s.log.Error().Err(err).Str("table", table).Msg("Lost connection with the table store")
		return
	}

	s.perf.Update(table, OpWrite, false, "")
}

func (s *Store) delete(ctx context.Context, table string, key map[string]types.AttributeValue) {
	client, err := s.connect(ctx)
	if err != nil {
		s.perf.Update(table, OpWrite, true, "")
		s.log.Error().Err(err).Str("table", table).Msg("Lost connection with the table store")
		return
	}

	if _, err := client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       key,
	}); err != nil {
		s.markBroken()
		s.perf.Update(table, OpWrite, true, "")
		s.log.Error().Err(err).Str("table", table).Msg("Lost connection with the table store")
		return
	}

	s.perf.Update(table, OpWrite, false, "")
}
