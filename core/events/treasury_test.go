package events

import (
	"math/big"
	"testing"
)

func TestDepositEvent(t *testing.T) {
	evt := Deposit{
		JournalID:     "jrn-1",
		ParticipantID: "alice",
		Asset:         " tide ",
		Amount:        big.NewInt(2500),
	}
	if evt.EventType() != TypeDeposit {
		t.Fatalf("unexpected type: %s", evt.EventType())
	}
	attrs := evt.Attributes()
	if attrs["asset"] != "TIDE" {
		t.Fatalf("unexpected asset attr: %s", attrs["asset"])
	}
	if attrs["amount"] != "2500" || attrs["participant"] != "alice" || attrs["journalId"] != "jrn-1" {
		t.Fatalf("unexpected attrs: %+v", attrs)
	}
}

func TestWithdrawEventOmitsZeroRecipient(t *testing.T) {
	evt := Withdraw{ParticipantID: "bob", Asset: "TUSD", Amount: big.NewInt(10)}
	attrs := evt.Attributes()
	if _, ok := attrs["recipient"]; ok {
		t.Fatalf("expected zero recipient omitted: %+v", attrs)
	}
	var recipient [20]byte
	recipient[19] = 0x07
	evt.Recipient = recipient
	attrs = evt.Attributes()
	if attrs["recipient"] != "0000000000000000000000000000000000000007" {
		t.Fatalf("unexpected recipient attr: %s", attrs["recipient"])
	}
}

func TestEpochSettledEvent(t *testing.T) {
	evt := EpochSettled{Mark: 1_700_000_000, Skimmed: big.NewInt(5), Burned: big.NewInt(95), Configs: 3}
	attrs := evt.Attributes()
	if attrs["mark"] != "1700000000" || attrs["configs"] != "3" {
		t.Fatalf("unexpected attrs: %+v", attrs)
	}
	if attrs["skimmed"] != "5" || attrs["burned"] != "95" {
		t.Fatalf("unexpected split attrs: %+v", attrs)
	}
}
