package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNilHistoryStoreIsNoOp(t *testing.T) {
	var store *historyStore

	store.recordReveal(&Config{}, revealRecord{
		roomCode: "ABCD",
		round:    1,
		question: "What's your partner's favorite food?",
		answers:  map[string]string{"Alex": "pizza"},
	})
}

func TestHistoryStoreDisabledWithoutDSN(t *testing.T) {
	store, err := newHistoryStore(&Config{})
	require.NoError(t, err)
	require.Nil(t, store)
}
