package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoundTrip(t *testing.T) {
	exitCode := int32(-1)
	rss := uint64(4096)
	delta := uint64(1_000_000)

	cases := []Event{
		{TsNs: 1, Kind: EventFork, Pid: 10, Tgid: 10, Ppid: 1, Comm: "bash"},
		{TsNs: 2, Kind: EventExec, Pid: 10, Tgid: 10, Ppid: 1, Comm: "sh", CgroupPath: "/kubepods/burstable/pod1"},
		{TsNs: 3, Kind: EventExit, Pid: 10, Tgid: 10, Ppid: 1, Comm: "sh", ExitCode: &exitCode},
		{TsNs: 4, Kind: EventRSSSample, Pid: 10, Tgid: 10, Ppid: 1, Comm: "sh", RSSBytes: &rss},
		{TsNs: 5, Kind: EventCPUSample, Pid: 10, Tgid: 10, Ppid: 1, Comm: "sh", CPUNsDelta: &delta},
	}

	for _, want := range cases {
		raw := Encode(want)
		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, want.TsNs, got.TsNs)
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, want.Pid, got.Pid)
		assert.Equal(t, want.Comm, got.Comm)
		assert.Equal(t, want.CgroupPath, got.CgroupPath)
		if want.ExitCode != nil {
			require.NotNil(t, got.ExitCode)
			assert.Equal(t, *want.ExitCode, *got.ExitCode)
		}
		if want.RSSBytes != nil {
			require.NotNil(t, got.RSSBytes)
			assert.Equal(t, *want.RSSBytes, *got.RSSBytes)
		}
		if want.CPUNsDelta != nil {
			require.NotNil(t, got.CPUNsDelta)
			assert.Equal(t, *want.CPUNsDelta, *got.CPUNsDelta)
		}
	}
}

func TestDecodeRejectsShortRecord(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	raw := Encode(Event{Kind: EventFork, Comm: "x"})
	raw[0] = 99
	_, err := Decode(raw)
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	raw := Encode(Event{Kind: EventFork, Comm: "x"})
	raw[1] = 250
	_, err := Decode(raw)
	assert.Error(t, err)
}

func TestCommTruncatesAtNUL(t *testing.T) {
	var raw [16]byte
	copy(raw[:], "sh")
	assert.Equal(t, "sh", commString(raw))
}

func TestCgroupPathTruncatedTo256(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	ev := Event{Kind: EventFork, Comm: "x", CgroupPath: string(long)}
	raw := Encode(ev)
	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Len(t, got.CgroupPath, cgroupPathMax)
}
