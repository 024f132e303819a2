package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractContainerID_FirstHexLine(t *testing.T) {
	out := "WARNING: Published ports are discarded when using host network mode\n" +
		"4f5c1d2e3a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5\n"

	assert.Equal(t, "4f5c1d2e3a4b", extractContainerID(out))
}

func TestExtractContainerID_SkipsErrorLines(t *testing.T) {
	out := "docker: Error response from daemon: driver failed\n" +
		"error during connect\n"

	assert.Equal(t, "", extractContainerID(out))
}

func TestExtractContainerID_SkipsShortAndNonHexLines(t *testing.T) {
	assert.Equal(t, "", extractContainerID("abc\nnot-hex-at-all-but-long\n"))
}

func TestExtractContainerID_AcceptsExactTwelve(t *testing.T) {
	assert.Equal(t, "deadbeef0123", extractContainerID("deadbeef0123\n"))
}

func TestParseHostPort_ArrowForm(t *testing.T) {
	assert.Equal(t, 8001, parseHostPort("0.0.0.0:8001->8000/tcp, :::8001->8000/tcp"))
}

func TestParseHostPort_ColonFallback(t *testing.T) {
	assert.Equal(t, 8005, parseHostPort("0.0.0.0:8005"))
}

func TestParseHostPort_DefaultsWhenUnparseable(t *testing.T) {
	assert.Equal(t, InferencePort, parseHostPort("8000/tcp"))
	assert.Equal(t, InferencePort, parseHostPort(""))
}
