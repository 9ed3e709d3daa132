// Package mongo hosts the MongoDB client used by the session store.
package mongo

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/protofab/protofab/runtime/forge/session"
)

const (
	defaultSessionsCollection = "forge_sessions"
	defaultFilesCollection    = "forge_session_files"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

// Client exposes Mongo-backed operations for sessions and their files.
type Client interface {
	health.Pinger

	CreateSession(ctx context.Context, sess session.Session) (session.Session, error)
	LoadSession(ctx context.Context, sessionID string) (session.Session, error)
	UpdateSession(ctx context.Context, sess session.Session) error
	DeleteSession(ctx context.Context, sessionID string) error

	GetFile(ctx context.Context, sessionID, path string) (*session.StoredFile, error)
	ListFiles(ctx context.Context, sessionID string) ([]session.StoredFile, error)
	SaveFiles(ctx context.Context, sessionID string, files []session.FileInput) (session.SaveResult, error)
	DeleteFiles(ctx context.Context, sessionID string) (int, error)
	QueryFiles(ctx context.Context, sessionID string, q session.FileQuery) ([]session.StoredFile, error)
}

// Options configures the Mongo session client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	FilesCollection    string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	files    collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsCollection := opts.SessionsCollection
	if sessionsCollection == "" {
		sessionsCollection = defaultSessionsCollection
	}
	filesCollection := opts.FilesCollection
	if filesCollection == "" {
		filesCollection = defaultFilesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	sessColl := opts.Client.Database(opts.Database).Collection(sessionsCollection)
	fileColl := opts.Client.Database(opts.Database).Collection(filesCollection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sessWrapper := mongoCollection{coll: sessColl}
	fileWrapper := mongoCollection{coll: fileColl}
	if err := ensureIndexes(ctx, sessWrapper, fileWrapper); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, sessWrapper, fileWrapper, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if sess.ID == "" {
		return session.Session{}, errors.New("session id is required")
	}

	existing, err := c.LoadSession(ctx, sess.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return session.Session{}, err
	}

	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = sess.CreatedAt
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sess.ID}
	update := bson.M{
		// Idempotent insert: CreateSession must never modify an existing
		// session. Keeping this a pure $setOnInsert update makes it safe under
		// retries and races.
		"$setOnInsert": fromSession(sess),
	}
	if _, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return session.Session{}, err
	}

	return c.LoadSession(ctx, sess.ID)
}

func (c *client) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

func (c *client) UpdateSession(ctx context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	now := time.Now().UTC()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sess.ID}
	update := bson.M{
		"$set": bson.M{
			"owner_id":        sess.OwnerID,
			"mode":            string(sess.Mode),
			"active_agent_id": sess.ActiveAgentID,
			"model":           sess.Model,
			"template":        string(sess.Template),
			"updated_at":      now,
		},
	}
	res, err := c.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

func (c *client) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.sessions.DeleteOne(ctx, bson.M{"session_id": sessionID})
	return err
}

func (c *client) GetFile(ctx context.Context, sessionID, path string) (*session.StoredFile, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if path == "" {
		return nil, errors.New("path is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID, "path": path}
	var doc fileDocument
	if err := c.files.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	file := doc.toStoredFile()
	return &file, nil
}

func (c *client) ListFiles(ctx context.Context, sessionID string) ([]session.StoredFile, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	return c.findFiles(ctx, filter, options.Find().SetSort(bson.D{{Key: "path", Value: 1}}))
}

func (c *client) SaveFiles(ctx context.Context, sessionID string, files []session.FileInput) (session.SaveResult, error) {
	if sessionID == "" {
		return session.SaveResult{}, errors.New("session id is required")
	}
	var result session.SaveResult
	now := time.Now().UTC()
	for _, in := range files {
		if in.Path == "" {
			result.Errors = append(result.Errors, errors.New("empty path"))
			continue
		}
		filter := bson.M{"session_id": sessionID, "path": in.Path}
		update := bson.M{
			// Latest-write-wins per path: each save replaces the row and mints
			// a fresh version ID.
			"$set": bson.M{
				"file_id":    uuid.NewString(),
				"session_id": sessionID,
				"path":       in.Path,
				"content":    in.Content,
				"language":   in.Language,
				"size":       len(in.Content),
				"created_at": now,
			},
		}
		opCtx, cancel := c.withTimeout(ctx)
		_, err := c.files.UpdateOne(opCtx, filter, update, options.UpdateOne().SetUpsert(true))
		cancel()
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Saved++
	}
	return result, nil
}

func (c *client) DeleteFiles(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.files.DeleteMany(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (c *client) QueryFiles(ctx context.Context, sessionID string, q session.FileQuery) ([]session.StoredFile, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if err := session.ValidateFileQuery(q); err != nil {
		return nil, err
	}
	filter := bson.M{"session_id": sessionID}
	if q.PathPrefix != "" {
		filter["path"] = bson.M{"$regex": "^" + regexp.QuoteMeta(q.PathPrefix)}
	}
	if q.Language != "" {
		filter["language"] = q.Language
	}
	opts := options.Find().SetSort(bson.D{{Key: sortField(q.SortBy), Value: sortOrder(q.Order)}})
	if q.Offset > 0 {
		opts = opts.SetSkip(int64(q.Offset))
	}
	if q.Limit > 0 {
		opts = opts.SetLimit(int64(q.Limit))
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.findFiles(ctx, filter, opts)
}

// sortField maps validated query sort fields to document field names. Values
// reach this function only after ValidateFileQuery accepted them.
func sortField(field string) string {
	switch field {
	case "createdAt":
		return "created_at"
	case "size":
		return "size"
	case "language":
		return "language"
	default:
		return "path"
	}
}

func sortOrder(order string) int {
	if order == "desc" {
		return -1
	}
	return 1
}

func (c *client) findFiles(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]session.StoredFile, error) {
	cur, err := c.files.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []session.StoredFile
	for cur.Next(ctx) {
		var doc fileDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toStoredFile())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type sessionDocument struct {
	SessionID     string    `bson:"session_id"`
	OwnerID       string    `bson:"owner_id,omitempty"`
	Mode          string    `bson:"mode,omitempty"`
	ActiveAgentID string    `bson:"active_agent_id,omitempty"`
	Model         string    `bson:"model,omitempty"`
	Template      string    `bson:"template,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

type fileDocument struct {
	FileID    string    `bson:"file_id"`
	SessionID string    `bson:"session_id"`
	Path      string    `bson:"path"`
	Content   string    `bson:"content"`
	Language  string    `bson:"language,omitempty"`
	Size      int       `bson:"size"`
	CreatedAt time.Time `bson:"created_at"`
}

func fromSession(sess session.Session) sessionDocument {
	return sessionDocument{
		SessionID:     sess.ID,
		OwnerID:       sess.OwnerID,
		Mode:          string(sess.Mode),
		ActiveAgentID: sess.ActiveAgentID,
		Model:         sess.Model,
		Template:      string(sess.Template),
		CreatedAt:     sess.CreatedAt.UTC(),
		UpdatedAt:     sess.UpdatedAt.UTC(),
	}
}

func (doc sessionDocument) toSession() session.Session {
	return session.Session{
		ID:            doc.SessionID,
		OwnerID:       doc.OwnerID,
		Mode:          session.Mode(doc.Mode),
		ActiveAgentID: doc.ActiveAgentID,
		Model:         doc.Model,
		Template:      session.Template(doc.Template),
		CreatedAt:     doc.CreatedAt.UTC(),
		UpdatedAt:     doc.UpdatedAt.UTC(),
	}
}

func (doc fileDocument) toStoredFile() session.StoredFile {
	return session.StoredFile{
		ID:        doc.FileID,
		SessionID: doc.SessionID,
		Path:      doc.Path,
		Content:   doc.Content,
		Language:  doc.Language,
		Size:      doc.Size,
		CreatedAt: doc.CreatedAt,
	}
}

func ensureIndexes(ctx context.Context, sessionsColl, filesColl collection) error {
	sessionIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	filePathIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "path", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := filesColl.Indexes().CreateOne(ctx, filePathIndex); err != nil {
		return err
	}
	fileLanguageIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "language", Value: 1},
		},
	}
	if _, err := filesColl.Indexes().CreateOne(ctx, fileLanguageIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, sessionsColl, filesColl collection, timeout time.Duration) (*client, error) {
	if sessionsColl == nil || filesColl == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: sessionsColl,
		files:    filesColl,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any,
		opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any,
		opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
