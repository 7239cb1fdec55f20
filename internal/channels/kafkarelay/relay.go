// Package kafkarelay is a channel transport that hands challenges to an
// external adapter service over Kafka and consumes the responses it observes.
// Chat, email and social adapters run out of process behind it.
package kafkarelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"registrar/internal/comms"
	"registrar/pkg/domain"
)

// ChallengeRecord is the value produced for each challenge request.
type ChallengeRecord struct {
	Identity string `json:"identity"`
	Account  string `json:"account"`
	Token    string `json:"token"`
	Resumed  bool   `json:"resumed,omitempty"`
}

// ResponseRecord is the value an adapter produces for each observed message.
type ResponseRecord struct {
	Identity string `json:"identity"`
	Observed string `json:"observed"`
}

// ChallengeTopic is where requests for account are produced.
func ChallengeTopic(prefix string, account domain.AccountType) string {
	return fmt.Sprintf("%s.challenges.%s", prefix, account)
}

// ResponseTopic is where adapters report observations for account.
func ResponseTopic(prefix string, account domain.AccountType) string {
	return fmt.Sprintf("%s.responses.%s", prefix, account)
}

// Relay implements channels.Transport on top of a Kafka cluster.
type Relay struct {
	account        domain.AccountType
	prefix         string
	client         *kgo.Client
	logger         *slog.Logger
	produceTimeout time.Duration
}

const defaultProduceTimeout = 10 * time.Second

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithProduceTimeout bounds how long a single challenge may wait for broker
// acknowledgement.
func WithProduceTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.produceTimeout = d
		}
	}
}

// New creates a relay for account. Its consumer group is shared by every
// registrar instance so each response is handled once.
func New(brokers []string, prefix string, account domain.AccountType, opts ...Option) (*Relay, error) {
	r := &Relay{
		account:        account,
		prefix:         prefix,
		logger:         slog.Default(),
		produceTimeout: defaultProduceTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(ChallengeTopic(prefix, account)),
		kgo.ConsumeTopics(ResponseTopic(prefix, account)),
		kgo.ConsumerGroup(fmt.Sprintf("%s.registrar.%s", prefix, account)),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.RecordDeliveryTimeout(r.produceTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client for %s: %w", account, err)
	}
	r.client = client
	return r, nil
}

// EnsureTopics creates the challenge and response topics when missing.
func (r *Relay) EnsureTopics(ctx context.Context) error {
	admin := kadm.NewClient(r.client)
	resp, err := admin.CreateTopics(ctx, 1, -1, nil,
		ChallengeTopic(r.prefix, r.account), ResponseTopic(r.prefix, r.account))
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, t := range resp.Sorted() {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}

func (r *Relay) SendChallenge(ctx context.Context, req comms.ChallengeRequest) error {
	value, err := json.Marshal(ChallengeRecord{
		Identity: req.Identity.String(),
		Account:  req.Account,
		Token:    req.Token,
		Resumed:  req.Resumed,
	})
	if err != nil {
		return err
	}
	record := &kgo.Record{Key: []byte(req.Identity), Value: value}
	ctx, cancel := context.WithTimeout(ctx, r.produceTimeout)
	defer cancel()
	if err := r.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce challenge: %w", err)
	}
	return nil
}

// Events polls the response topic. The stream closes on a fetch error or when
// the client shuts down, and a new call resumes from the committed offsets.
func (r *Relay) Events(ctx context.Context) (<-chan comms.ChallengeResponse, error) {
	out := make(chan comms.ChallengeResponse)
	go func() {
		defer close(out)
		for {
			fetches := r.client.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			if errs := fetches.Errors(); len(errs) > 0 {
				for _, fe := range errs {
					r.logger.Warn("kafka fetch failed", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
				}
				return
			}

			iter := fetches.RecordIter()
			for !iter.Done() {
				resp, ok := r.decode(iter.Next())
				if !ok {
					continue
				}
				select {
				case out <- resp:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Relay) decode(record *kgo.Record) (comms.ChallengeResponse, bool) {
	var rec ResponseRecord
	if err := json.Unmarshal(record.Value, &rec); err != nil {
		r.logger.Warn("malformed response record", "offset", record.Offset, "error", err)
		return comms.ChallengeResponse{}, false
	}
	id, err := domain.ParseIdentityID(rec.Identity)
	if err != nil {
		r.logger.Warn("response record for invalid identity", "offset", record.Offset, "error", err)
		return comms.ChallengeResponse{}, false
	}
	return comms.ChallengeResponse{Identity: id, Field: r.account, Observed: rec.Observed}, true
}

// Ping checks that the brokers are reachable.
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

func (r *Relay) Close() {
	r.client.Close()
}
