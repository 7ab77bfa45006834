package common

import (
	"crypto/sha256"
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var snowflakeNode *snowflake.Node

func init() {
	rand.New(rand.NewSource(time.Now().UnixNano()))
	var err error
	snowflakeNode, err = snowflake.NewNode(rand.Int63n(1023))
	if err != nil {
		panic(err)
	}
}

// UUIDint64 returns a sortable snowflake id.
func UUIDint64() int64 {
	return snowflakeNode.Generate().Int64()
}

func UUID() string {
	return snowflakeNode.Generate().String()
}

// GetSecretSalt reads the deployment salt from the environment, with a
// static fallback for development setups.
func GetSecretSalt() string {
	if v := os.Getenv("WHATSGATE_SECRET_SALT"); v != "" {
		return v
	}
	return "whatsgate-secret"
}

func Sha256HashWithSalt(src string, salt string) string {
	h := sha256.New()
	h.Write([]byte(src))
	h.Write([]byte(salt))
	return fmt.Sprintf("%x", h.Sum(nil))
}

var nonDigit = regexp.MustCompile(`\D+`)

// NormalizeNumber strips everything but digits from a phone number.
func NormalizeNumber(number string) string {
	return nonDigit.ReplaceAllString(number, "")
}

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
