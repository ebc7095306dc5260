package smtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	_, err := New(Config{Host: "localhost", Port: 25})
	assert.Error(t, err, "missing operator addresses should fail")

	_, err = New(Config{Host: "localhost", Port: 25, To: []string{"ops@localhost"}, AuthProtocol: "md5"})
	assert.Error(t, err, "unknown auth protocol should fail")
}
