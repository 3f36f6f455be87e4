package waitroom

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// EncodeToken builds an entry token. Tokens of one sale sort by sequence.
func EncodeToken(saleID string, sequence int64) string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s.%012d.%s", base64.RawURLEncoding.EncodeToString([]byte(saleID)), sequence, nonce)
}

// DecodeToken extracts the sale and sequence from a token.
func DecodeToken(token string) (string, int64, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[2] == "" {
		return "", 0, false
	}
	sale, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(sale) == 0 {
		return "", 0, false
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq <= 0 {
		return "", 0, false
	}
	return string(sale), seq, true
}
