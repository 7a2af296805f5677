package provisioning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/fleet-armada/internal/domain/provisioning"
)

func TestSelectStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   StrategyKind
		ok     bool
	}{
		{name: "linux", output: "Linux\n", want: StrategyPOSIX, ok: true},
		{name: "windows ver", output: "\r\nMicrosoft Windows [Version 10.0.17763.1]\r\n", want: StrategyWindows, ok: true},
		{name: "uname missing on windows", output: "'uname' is not recognized\r\nMicrosoft Windows [Version 10.0.20348.587]", want: StrategyWindows, ok: true},
		{name: "darwin", output: "Darwin\n", ok: false},
		{name: "empty", output: "", ok: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := selectStrategy(tt.output)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPOSIXStrategy_Parse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   domain.OSDescriptor
		ok     bool
	}{
		{
			name:   "ubuntu",
			output: "NAME=\"Ubuntu\"\nVERSION_ID=\"22.04\"\nID=ubuntu\nID_LIKE=debian\n",
			want:   domain.OSDescriptor{Family: domain.OSFamilyLinuxA, Distribution: "Ubuntu", Version: "22.04"},
			ok:     true,
		},
		{
			name:   "debian major only",
			output: "NAME=\"Debian GNU/Linux\"\nVERSION_ID=\"12\"\nID=debian\n",
			want:   domain.OSDescriptor{Family: domain.OSFamilyLinuxA, Distribution: "Debian GNU/Linux", Version: "12"},
			ok:     true,
		},
		{
			name:   "centos",
			output: "NAME=\"CentOS Linux\"\nVERSION=\"7 (Core)\"\nID=\"centos\"\nID_LIKE=\"rhel fedora\"\nVERSION_ID=\"7\"\n",
			want:   domain.OSDescriptor{Family: domain.OSFamilyLinuxB, Distribution: "CentOS Linux", Version: "7"},
			ok:     true,
		},
		{
			name:   "rhel minor version trimmed",
			output: "NAME=\"Red Hat Enterprise Linux\"\nID=\"rhel\"\nVERSION_ID=\"9.2\"\n",
			want:   domain.OSDescriptor{Family: domain.OSFamilyLinuxB, Distribution: "Red Hat Enterprise Linux", Version: "9"},
			ok:     true,
		},
		{
			name:   "rocky via id_like",
			output: "NAME=\"Rocky Linux\"\nID=\"rocky\"\nID_LIKE=\"rhel centos fedora\"\nVERSION_ID=\"8.8\"\n",
			want:   domain.OSDescriptor{Family: domain.OSFamilyLinuxB, Distribution: "Rocky Linux", Version: "8"},
			ok:     true,
		},
		{
			name:   "redhat-release fallback",
			output: "CentOS Linux release 7.9.2009 (Core)\n",
			want:   domain.OSDescriptor{Family: domain.OSFamilyLinuxB, Distribution: "CentOS", Version: "7"},
			ok:     true,
		},
		{
			name:   "alpine unsupported",
			output: "NAME=\"Alpine Linux\"\nID=alpine\nVERSION_ID=3.19.0\n",
			ok:     false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := posixStrategy{}.Parse(tt.output)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWindowsStrategy_Parse(t *testing.T) {
	t.Parallel()

	got, ok := windowsStrategy{}.Parse("\r\nMicrosoft Windows [Version 10.0.17763.5329]\r\n")
	require.True(t, ok)
	assert.Equal(t, domain.OSFamilyWindows, got.Family)
	assert.Equal(t, "10.0.17763.5329", got.Version)

	_, ok = windowsStrategy{}.Parse("Linux")
	assert.False(t, ok)
}

func TestStrategyRegistry_Lookup(t *testing.T) {
	t.Parallel()

	r := NewStrategyRegistry(posixStrategy{})
	s, err := r.Lookup(StrategyPOSIX)
	require.NoError(t, err)
	assert.Equal(t, StrategyPOSIX, s.Kind())

	_, err = r.Lookup(StrategyWindows)
	assert.ErrorIs(t, err, domain.ErrUnsupportedStrategy)
}
