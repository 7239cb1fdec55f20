package domain

import "fmt"

// AccountType names a bus address. The first four are external channels a user
// can claim on chain; the reserved values are internal endpoints.
type AccountType string

const (
	AccountChat        AccountType = "chat"
	AccountEmail       AccountType = "email"
	AccountSocial      AccountType = "social"
	AccountDisplayName AccountType = "display_name"

	ReservedConnector AccountType = "reserved_connector"
	ReservedEmitter   AccountType = "reserved_emitter"
	ReservedFeeder    AccountType = "reserved_feeder"
)

// ChannelAccounts lists the claimable account types in a stable order.
var ChannelAccounts = []AccountType{
	AccountChat,
	AccountEmail,
	AccountSocial,
	AccountDisplayName,
}

var knownAccounts = map[AccountType]bool{
	AccountChat:        true,
	AccountEmail:       true,
	AccountSocial:      true,
	AccountDisplayName: true,
	ReservedConnector:  false,
	ReservedEmitter:    false,
	ReservedFeeder:     false,
}

// ParseAccountType validates s against the known account types.
func ParseAccountType(s string) (AccountType, error) {
	a := AccountType(s)
	if _, ok := knownAccounts[a]; !ok {
		return "", fmt.Errorf("unknown account type: %q", s)
	}
	return a, nil
}

// IsChannel reports whether the account type is claimable on chain.
func (a AccountType) IsChannel() bool {
	return knownAccounts[a]
}

// IsReserved reports whether the account type is an internal endpoint.
func (a AccountType) IsReserved() bool {
	channel, ok := knownAccounts[a]
	return ok && !channel
}

func (a AccountType) String() string {
	return string(a)
}
