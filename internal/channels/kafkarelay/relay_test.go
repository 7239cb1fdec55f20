package kafkarelay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"registrar/internal/comms"
	"registrar/pkg/domain"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "registrar.challenges.email", ChallengeTopic("registrar", domain.AccountEmail))
	assert.Equal(t, "registrar.responses.chat", ResponseTopic("registrar", domain.AccountChat))
}

func TestDecode(t *testing.T) {
	r := &Relay{account: domain.AccountSocial, logger: discardLogger()}

	tests := []struct {
		name  string
		value string
		want  comms.ChallengeResponse
		ok    bool
	}{
		{
			name:  "valid record",
			value: `{"identity":"alice","observed":"T1"}`,
			want:  comms.ChallengeResponse{Identity: "alice", Field: domain.AccountSocial, Observed: "T1"},
			ok:    true,
		},
		{name: "not json", value: `T1`},
		{name: "invalid identity", value: `{"identity":"al ice","observed":"T1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.decode(&kgo.Record{Value: []byte(tt.value)})
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSendChallengeIsBoundedWhenBrokersAreUnreachable(t *testing.T) {
	relay, err := New([]string{"127.0.0.1:1"}, "registrar", domain.AccountEmail,
		WithLogger(discardLogger()), WithProduceTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer relay.Close()

	done := make(chan error, 1)
	go func() {
		done <- relay.SendChallenge(context.Background(), comms.ChallengeRequest{
			Identity: "alice", Field: domain.AccountEmail, Account: "a@example.org", Token: "T1",
		})
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("produce did not give up")
	}
}
