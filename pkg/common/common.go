package common

import (
	"crypto/sha256"
	"fmt"
	"math/rand"
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var snowflakeNode *snowflake.Node

func init() {
	var err error
	snowflakeNode, err = snowflake.NewNode(rand.Int63n(1023))
	if err != nil {
		panic(err)
	}
}

// SetupNode re-initializes the snowflake node with an explicit worker id,
// used when running multiple instances against one database.
func SetupNode(nodeID int64) error {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}
	snowflakeNode = node
	return nil
}

// UUIDint64 returns a new snowflake id.
func UUIDint64() int64 {
	return snowflakeNode.Generate().Int64()
}

// UUID returns a new snowflake id in base58 string form.
func UUID() string {
	return snowflakeNode.Generate().Base58()
}

// Sha256HashWithSalt computes sha256(value + salt) in hex form.
func Sha256HashWithSalt(value string, salt string) string {
	sum := sha256.Sum256([]byte(value + salt))
	return fmt.Sprintf("%x", sum)
}

// GetSecretSalt returns the password salt, overridable via environment.
func GetSecretSalt() string {
	if s := os.Getenv("WABLAST_SECRET_SALT"); s != "" {
		return s
	}
	return "wablast-2023"
}

// ParseInt64 parses s as int64, returning def on failure.
func ParseInt64(s string, def int64) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

// TruncateString limits s to max bytes, used for error columns.
func TruncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
