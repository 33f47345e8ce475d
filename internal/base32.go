package internal

import (
	"encoding/base32"

	"github.com/google/uuid"
)

// Backup refs travel through SQL text columns, S3 object keys and log lines,
// so the uuid behind them is rendered with a lowercase base32 alphabet that
// drops the digits easily misread as letters (0, 2, 3, 4).
const refAlphabet = "abcdefghijklmnopqrstuvwxyz156789"

var refEncoding = base32.NewEncoding(refAlphabet).WithPadding(base32.NoPadding)

// EncodeUUIDToBase32 renders id as a 26-character ref token.
func EncodeUUIDToBase32(id uuid.UUID) string {
	return refEncoding.EncodeToString(id[:])
}

// DecodeBase32ToUUID recovers the uuid behind a ref token.
func DecodeBase32ToUUID(s string) (uuid.UUID, error) {
	data, err := refEncoding.DecodeString(s)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(data)
}
