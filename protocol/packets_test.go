package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filerelay/models"
)

func TestRequestPayload(t *testing.T) {
	req := Request{
		TransferID: "t-1",
		RuleID:     "default",
		Filename:   "report.csv",
		FileSize:   300,
		BlockSize:  100,
		Mode:       models.ModeSend,
		Requester:  "host-a",
	}
	body, err := RequestPayload(1, req)
	require.NoError(t, err)

	rank, got, err := ParseRequest(body)
	require.NoError(t, err)
	assert.Equal(t, 1, rank)
	assert.Equal(t, req, got)
}

func TestParseRequestRejectsIncomplete(t *testing.T) {
	body, err := RequestPayload(0, Request{TransferID: "t", RuleID: "r", Mode: models.ModeSend})
	require.NoError(t, err)
	_, _, err = ParseRequest(body)
	assert.Error(t, err)

	body, err = RequestPayload(0, Request{TransferID: "t", RuleID: "r", Filename: "f", Mode: "sideways"})
	require.NoError(t, err)
	_, _, err = ParseRequest(body)
	assert.Error(t, err)
}

func TestShortPayloads(t *testing.T) {
	_, err := UnmarshalStartup([]byte{1})
	assert.ErrorIs(t, err, ErrShortPayload)
	_, err = UnmarshalData([]byte{1, 2})
	assert.ErrorIs(t, err, ErrShortPayload)
	_, err = UnmarshalError(nil)
	assert.ErrorIs(t, err, ErrShortPayload)
	_, err = UnmarshalStatus([]byte{0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestErrorPayloadCarriesCode(t *testing.T) {
	p, err := UnmarshalError(ErrorPayload{Code: models.CodeRankMismatch, Message: "rank 4 != 2"}.Marshal())
	require.NoError(t, err)
	assert.Equal(t, models.CodeRankMismatch, models.CodeOf(p.Err()))
	assert.Contains(t, p.Err().Error(), "rank 4 != 2")
}

func TestStatusPayloadDigest(t *testing.T) {
	digest := []byte{0xde, 0xad, 0xbe, 0xef}
	p, err := UnmarshalStatus(StatusPayload{Rank: 3, Status: models.CodeOK, Extra: digest}.Marshal())
	require.NoError(t, err)
	assert.Equal(t, 3, p.Rank)
	assert.Equal(t, digest, p.Extra)
}

func TestCreditPayload(t *testing.T) {
	n, ok, err := ParseCredit(CreditPayload(16))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 16, n)

	_, ok, err = ParseCredit([]byte{KeepAlivePing})
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseCredit([]byte{KeepAliveCredit, 0})
	assert.ErrorIs(t, err, ErrShortPayload)
}
