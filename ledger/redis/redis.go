// Package redis provides a Redis-backed tokenmeter.Ledger.
//
// Every ledger operation is a single Lua script, so each one is atomic on the
// server and safe for multi-instance deployments. Balances live in hashes,
// OPEN reservations are indexed in a sorted set scored by deadline, and each
// account keeps a list of transaction ids, newest first.
//
// On Redis Cluster all keys must hash to one slot; use a key prefix with a
// hash tag such as "{tokenmeter}:".
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokenmeter"
)

const backend = "redis"

// Store is a Redis-backed Ledger.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	retention time.Duration
	dedup     time.Duration
	now       func() time.Time
}

var _ tokenmeter.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "tokenmeter:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithRetention sets how long settled reservations are kept before Redis
// evicts them (default 24h). Zero keeps them forever. Transactions are never
// evicted. Settling an evicted reservation again fails with
// ErrReservationNotFound rather than ErrReservationNotOpen.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithDedupWindow sets how long a claimed correlation id blocks another
// Reserve (default 24h). Redis expires the claim itself, so
// PruneCorrelations has nothing to do.
func WithDedupWindow(d time.Duration) Option {
	return func(s *Store) { s.dedup = d }
}

// WithClock sets the clock used for timestamps and deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Redis-backed Ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "tokenmeter:",
		retention: 24 * time.Hour,
		dedup:     24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountKey(accountID string) string { return s.keyPrefix + "acct:" + accountID }
func (s *Store) historyKey(accountID string) string { return s.keyPrefix + "txs:" + accountID }
func (s *Store) reservationKey(id string) string    { return s.keyPrefix + "res:" + id }
func (s *Store) txKey(id string) string             { return s.keyPrefix + "tx:" + id }
func (s *Store) openKey() string                    { return s.keyPrefix + "open" }
func (s *Store) correlationKey(accountID, correlationID string) string {
	return s.keyPrefix + "corr:" + accountID + ":" + correlationID
}

// prelude is shared by every script. Each script replies with a flat list:
// a status word followed by field/value pairs.
const prelude = `
local function reply(status, fields)
    local out = {status}
    for i = 1, #fields do
        out[#out + 1] = fields[i]
    end
    return out
end

local function balance(acct)
    local b = redis.call("HMGET", acct, "available", "reserved")
    return tonumber(b[1] or "0"), tonumber(b[2] or "0")
end

local function record(acct, tx_key, list_key, tx_id, now, fields)
    local available, reserved = balance(acct)
    redis.call("HINCRBY", acct, "version", 1)
    redis.call("HSET", acct, "updated", now)
    redis.call("HSET", tx_key, "id", tx_id, "available", tostring(available), "reserved", tostring(reserved), "created", now, unpack(fields))
    redis.call("LPUSH", list_key, tx_id)
    return reply("ok", redis.call("HGETALL", tx_key))
end
`

// reserveScript holds tokens if the account admits them and the correlation
// id is unclaimed.
// KEYS: account, reservation, open index, tx, history, correlation
// ARGV: account id, amount, reservation id, correlation id, now ms, deadline ms, tx id, dedup ms
var reserveScript = goredis.NewScript(prelude + `
local amount = tonumber(ARGV[2])
local claim = ARGV[4] ~= ""
if claim and redis.call("EXISTS", KEYS[6]) == 1 then
    return reply("duplicate", {})
end

local available, reserved = balance(KEYS[1])
if available <= 0 or available - reserved < amount then
    return reply("insufficient", {"available", tostring(available), "reserved", tostring(reserved)})
end

if claim then
    if tonumber(ARGV[8]) > 0 then
        redis.call("SET", KEYS[6], ARGV[3], "PX", ARGV[8])
    else
        redis.call("SET", KEYS[6], ARGV[3])
    end
end
redis.call("HINCRBY", KEYS[1], "reserved", amount)
redis.call("HSET", KEYS[2],
    "id", ARGV[3], "account", ARGV[1], "amount", ARGV[2], "correlation", ARGV[4],
    "created", ARGV[5], "deadline", ARGV[6], "state", "OPEN")
redis.call("ZADD", KEYS[3], ARGV[6], ARGV[3])

return record(KEYS[1], KEYS[4], KEYS[5], ARGV[7], ARGV[5], {
    "account", ARGV[1], "reservation", ARGV[3], "kind", "RESERVE",
    "amount", ARGV[2], "correlation", ARGV[4]})
`)

// settleScript moves an OPEN reservation to COMMITTED, RELEASED or EXPIRED.
// KEYS: reservation, account, open index, tx, history
// ARGV: kind, account id, reservation id, now ms, tx id,
//
//	prompt, completion, total, expire-before ms, retention ms
var settleScript = goredis.NewScript(prelude + `
if redis.call("EXISTS", KEYS[1]) == 0 then
    return reply("not_found", {})
end
local r = redis.call("HMGET", KEYS[1], "account", "amount", "correlation", "deadline", "state")
if r[1] ~= ARGV[2] then
    return reply("not_found", {})
end
if r[5] ~= "OPEN" then
    return reply("not_open", {"state", r[5]})
end

local kind = ARGV[1]
if kind == "EXPIRE" and tonumber(r[4]) > tonumber(ARGV[9]) then
    return reply("not_expired", {"deadline", r[4]})
end

local held = tonumber(r[2])
redis.call("HINCRBY", KEYS[2], "reserved", -held)

local state
local fields = {"account", ARGV[2], "reservation", ARGV[3], "kind", kind, "correlation", r[3]}
if kind == "COMMIT" then
    redis.call("HINCRBY", KEYS[2], "available", -tonumber(ARGV[8]))
    redis.call("HINCRBY", KEYS[2], "used", tonumber(ARGV[8]))
    state = "COMMITTED"
    for _, v in ipairs({"amount", ARGV[8], "estimated", r[2], "prompt", ARGV[6], "completion", ARGV[7], "total", ARGV[8]}) do
        fields[#fields + 1] = v
    end
else
    if kind == "RELEASE" then state = "RELEASED" else state = "EXPIRED" end
    fields[#fields + 1] = "amount"
    fields[#fields + 1] = r[2]
end

redis.call("HSET", KEYS[1], "state", state, "closed", ARGV[4])
redis.call("ZREM", KEYS[3], ARGV[3])
if tonumber(ARGV[10]) > 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[10])
end

return record(KEYS[2], KEYS[4], KEYS[5], ARGV[5], ARGV[4], fields)
`)

// adjustScript credits or debits Available.
// KEYS: account, tx, history
// ARGV: account id, amount, reason, now ms, tx id
var adjustScript = goredis.NewScript(prelude + `
local amount = tonumber(ARGV[2])
local available, reserved = balance(KEYS[1])
if amount < 0 and available + amount < 0 then
    return reply("insufficient", {"available", tostring(available), "reserved", tostring(reserved)})
end

redis.call("HINCRBY", KEYS[1], "available", amount)

return record(KEYS[1], KEYS[2], KEYS[3], ARGV[5], ARGV[4], {
    "account", ARGV[1], "kind", "ADJUST", "amount", ARGV[2], "reason", ARGV[3]})
`)

// Reserve holds amount tokens if the account can afford them.
func (s *Store) Reserve(ctx context.Context, accountID string, amount int64, correlationID string, ttl time.Duration) (tokenmeter.Reservation, error) {
	if amount <= 0 {
		return tokenmeter.Reservation{}, fmt.Errorf("%w: reserve %d", tokenmeter.ErrInvalidAmount, amount)
	}

	now := s.now()
	res := tokenmeter.Reservation{
		ID:            uuid.New().String(),
		AccountID:     accountID,
		Amount:        amount,
		CorrelationID: correlationID,
		CreatedAt:     fromMillis(toMillis(now)),
		Deadline:      fromMillis(toMillis(now.Add(ttl))),
		State:         tokenmeter.ReservationOpen,
	}

	txID := uuid.New().String()
	status, fields, err := s.run(ctx, "reserve", reserveScript,
		[]string{s.accountKey(accountID), s.reservationKey(res.ID), s.openKey(), s.txKey(txID), s.historyKey(accountID),
			s.correlationKey(accountID, correlationID)},
		accountID, amount, res.ID, correlationID, toMillis(now), toMillis(res.Deadline), txID, s.dedup.Milliseconds(),
	)
	if err != nil {
		return tokenmeter.Reservation{}, err
	}

	switch status {
	case "ok":
		return res, nil
	case "insufficient":
		return tokenmeter.Reservation{}, fmt.Errorf("%w: account=%s available=%s reserved=%s requested=%d",
			tokenmeter.ErrInsufficientBalance, accountID, fields["available"], fields["reserved"], amount)
	case "duplicate":
		return tokenmeter.Reservation{}, fmt.Errorf("%w: account=%s correlation=%s",
			tokenmeter.ErrDuplicateRequest, accountID, correlationID)
	default:
		return tokenmeter.Reservation{}, unexpected("reserve", status)
	}
}

// Commit charges usage.Total() and returns the reservation to the pool.
func (s *Store) Commit(ctx context.Context, res tokenmeter.Reservation, usage tokenmeter.Usage) (tokenmeter.Transaction, error) {
	total := usage.Total()
	if total < 0 {
		return tokenmeter.Transaction{}, fmt.Errorf("%w: commit %d", tokenmeter.ErrInvalidAmount, total)
	}
	return s.settle(ctx, "commit", tokenmeter.TxCommit, res, usage.PromptTokens, usage.CompletionTokens, total, time.Time{})
}

// Release returns the reservation to the pool without charging.
func (s *Store) Release(ctx context.Context, res tokenmeter.Reservation) (tokenmeter.Transaction, error) {
	return s.settle(ctx, "release", tokenmeter.TxRelease, res, 0, 0, 0, time.Time{})
}

// Expire releases a reservation whose deadline is at or before now.
func (s *Store) Expire(ctx context.Context, res tokenmeter.Reservation, now time.Time) (tokenmeter.Transaction, error) {
	return s.settle(ctx, "expire", tokenmeter.TxExpire, res, 0, 0, 0, now)
}

func (s *Store) settle(ctx context.Context, op string, kind tokenmeter.TxKind, res tokenmeter.Reservation, prompt, completion, total int64, expireBefore time.Time) (tokenmeter.Transaction, error) {
	txID := uuid.New().String()
	status, fields, err := s.run(ctx, op, settleScript,
		[]string{s.reservationKey(res.ID), s.accountKey(res.AccountID), s.openKey(), s.txKey(txID), s.historyKey(res.AccountID)},
		string(kind), res.AccountID, res.ID, toMillis(s.now()), txID,
		prompt, completion, total, toMillis(expireBefore), s.retention.Milliseconds(),
	)
	if err != nil {
		return tokenmeter.Transaction{}, err
	}

	switch status {
	case "ok":
		return parseTransaction(fields), nil
	case "not_found":
		return tokenmeter.Transaction{}, fmt.Errorf("%w: %s", tokenmeter.ErrReservationNotFound, res.ID)
	case "not_open":
		return tokenmeter.Transaction{}, fmt.Errorf("%w: reservation=%s state=%s", tokenmeter.ErrReservationNotOpen, res.ID, fields["state"])
	case "not_expired":
		return tokenmeter.Transaction{}, fmt.Errorf("%w: reservation=%s deadline=%s",
			tokenmeter.ErrReservationNotExpired, res.ID, parseMillis(fields["deadline"]).Format(time.RFC3339Nano))
	default:
		return tokenmeter.Transaction{}, unexpected(op, status)
	}
}

// Adjust credits or debits Available. A debit may not exceed Available.
func (s *Store) Adjust(ctx context.Context, accountID string, amount int64, reason string) (tokenmeter.Transaction, error) {
	if amount == 0 {
		return tokenmeter.Transaction{}, fmt.Errorf("%w: adjust by zero", tokenmeter.ErrInvalidAmount)
	}

	txID := uuid.New().String()
	status, fields, err := s.run(ctx, "adjust", adjustScript,
		[]string{s.accountKey(accountID), s.txKey(txID), s.historyKey(accountID)},
		accountID, amount, reason, toMillis(s.now()), txID,
	)
	if err != nil {
		return tokenmeter.Transaction{}, err
	}

	switch status {
	case "ok":
		return parseTransaction(fields), nil
	case "insufficient":
		return tokenmeter.Transaction{}, fmt.Errorf("%w: account=%s available=%s debit=%d",
			tokenmeter.ErrInsufficientBalance, accountID, fields["available"], -amount)
	default:
		return tokenmeter.Transaction{}, unexpected("adjust", status)
	}
}

// Balance returns the account balance; unknown accounts are zero.
func (s *Store) Balance(ctx context.Context, accountID string) (tokenmeter.Balance, error) {
	vals, err := s.client.HMGet(ctx, s.accountKey(accountID), "available", "reserved", "version", "updated", "used").Result()
	if err != nil {
		return tokenmeter.Balance{}, tokenmeter.StorageError(backend, "balance", err)
	}

	b := tokenmeter.Balance{AccountID: accountID}
	if vals[0] == nil {
		return b, nil
	}
	b.Available = parseInt(vals[0])
	b.Reserved = parseInt(vals[1])
	b.Version = parseInt(vals[2])
	if u := parseInt(vals[3]); u > 0 {
		b.UpdatedAt = fromMillis(u)
	}
	b.Used = parseInt(vals[4])
	return b, nil
}

// History returns transactions newest first.
func (s *Store) History(ctx context.Context, accountID string, page tokenmeter.Page) ([]tokenmeter.Transaction, error) {
	page = page.Normalize()
	start := int64(page.Offset)
	ids, err := s.client.LRange(ctx, s.historyKey(accountID), start, start+int64(page.Limit)-1).Result()
	if err != nil {
		return nil, tokenmeter.StorageError(backend, "history", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.txKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, tokenmeter.StorageError(backend, "history", err)
	}

	out := make([]tokenmeter.Transaction, 0, len(cmds))
	for _, cmd := range cmds {
		if fields := cmd.Val(); len(fields) > 0 {
			out = append(out, parseTransaction(fields))
		}
	}
	return out, nil
}

// ExpiredReservations returns OPEN reservations with a deadline at or
// before the given time, earliest deadline first.
func (s *Store) ExpiredReservations(ctx context.Context, before time.Time, limit int) ([]tokenmeter.Reservation, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.openKey(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(toMillis(before), 10),
		Count: int64(max(limit, 0)),
	}).Result()
	if err != nil {
		return nil, tokenmeter.StorageError(backend, "expired reservations", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.reservationKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, tokenmeter.StorageError(backend, "expired reservations", err)
	}

	out := make([]tokenmeter.Reservation, 0, len(cmds))
	for _, cmd := range cmds {
		f := cmd.Val()
		// Settled between the range read and the hash read.
		if f["state"] != string(tokenmeter.ReservationOpen) {
			continue
		}
		out = append(out, tokenmeter.Reservation{
			ID:            f["id"],
			AccountID:     f["account"],
			Amount:        parseInt(f["amount"]),
			CorrelationID: f["correlation"],
			CreatedAt:     parseMillis(f["created"]),
			Deadline:      parseMillis(f["deadline"]),
			State:         tokenmeter.ReservationOpen,
		})
	}
	return out, nil
}

// PruneCorrelations is a no-op: correlation claims expire on their own
// after the dedup window.
func (s *Store) PruneCorrelations(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// run executes a script and splits its reply into status and fields.
func (s *Store) run(ctx context.Context, op string, script *goredis.Script, keys []string, args ...any) (string, map[string]string, error) {
	v, err := script.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return "", nil, tokenmeter.StorageError(backend, op, err)
	}
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return "", nil, tokenmeter.StorageError(backend, op, fmt.Errorf("unexpected reply %T", v))
	}
	fields := make(map[string]string, len(items)/2)
	for i := 1; i+1 < len(items); i += 2 {
		fields[fmt.Sprint(items[i])] = fmt.Sprint(items[i+1])
	}
	return fmt.Sprint(items[0]), fields, nil
}

func parseTransaction(f map[string]string) tokenmeter.Transaction {
	return tokenmeter.Transaction{
		ID:            f["id"],
		AccountID:     f["account"],
		ReservationID: f["reservation"],
		Kind:          tokenmeter.TxKind(f["kind"]),
		Amount:        parseInt(f["amount"]),
		Estimated:     parseInt(f["estimated"]),
		Usage: tokenmeter.Usage{
			PromptTokens:     parseInt(f["prompt"]),
			CompletionTokens: parseInt(f["completion"]),
			TotalTokens:      parseInt(f["total"]),
		},
		Available:     parseInt(f["available"]),
		Reserved:      parseInt(f["reserved"]),
		CorrelationID: f["correlation"],
		Reason:        f["reason"],
		CreatedAt:     parseMillis(f["created"]),
	}
}

func unexpected(op, status string) error {
	return tokenmeter.StorageError(backend, op, fmt.Errorf("unexpected script status %q", status))
}

func parseInt(v any) int64 {
	switch v := v.(type) {
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case int64:
		return v
	default:
		return 0
	}
}

func parseMillis(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	return fromMillis(parseInt(v))
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
