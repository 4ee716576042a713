package privsep

import (
	"os"
	"os/user"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupUserGroupResolvesCurrentUser(t *testing.T) {
	u, err := user.Current()
	require.NoError(t, err)
	g, err := user.LookupGroupId(u.Gid)
	require.NoError(t, err)

	uid, gid, err := LookupUserGroup(u.Username, g.Name)
	require.NoError(t, err)

	wantUID, _ := strconv.Atoi(u.Uid)
	wantGID, _ := strconv.Atoi(g.Gid)
	require.Equal(t, wantUID, uid)
	require.Equal(t, wantGID, gid)
}

func TestLookupUserGroupRejectsUnknownNames(t *testing.T) {
	_, _, err := LookupUserGroup("no-such-user-agentd-test", "no-such-group-agentd-test")
	require.Error(t, err)
}

func TestScrubbedEnvironDropsPathVariables(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("LD_LIBRARY_PATH", "/usr/lib")
	t.Setenv("AGENTD_KEEP_ME", "1")

	env := scrubbedEnviron()
	for _, kv := range env {
		require.NotContains(t, kv, "PATH=/usr/bin")
		require.NotContains(t, kv, "LD_LIBRARY_PATH=/usr/lib")
	}

	found := false
	for _, kv := range env {
		if kv == "AGENTD_KEEP_ME=1" {
			found = true
		}
	}
	require.True(t, found)
}

func TestSetFDsRejectsNegativeDescriptors(t *testing.T) {
	err := SetFDs([]FDMapping{{Curr: -1, Mapped: 3}})
	require.Error(t, err)
}

func TestCloseOtherFDsAboveStandardDescriptors(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "privsep-fd-test")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, CloseOtherFDs(int(f.Fd())))
}
