package fanotify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitFlagsInvalidFlagClassContent(t *testing.T) {
	flags, err := ClassContent.Init(ReportFID)
	assert.True(t, errors.Is(err, ErrInvalidFlagCombination))
	assert.Zero(t, flags)
}

func TestInitFlagsInvalidFlagClassPreContent(t *testing.T) {
	flags, err := ClassPreContent.Init(ReportFID)
	assert.True(t, errors.Is(err, ErrInvalidFlagCombination))
	assert.Zero(t, flags)
}

func TestInitFlagsReportNameRequiresReportDirFID(t *testing.T) {
	flags, err := ClassNotify.Init(ReportName)
	assert.True(t, errors.Is(err, ErrInvalidFlagCombination))
	assert.Zero(t, flags)
}

func TestInitFlagsBothContentClasses(t *testing.T) {
	flags := InitFlags(uint(ClassContent)|uint(ClassPreContent)) | CloseOnExec
	assert.True(t, errors.Is(flags.Validate(), ErrInvalidFlagCombination))
}

func TestInitFlagsLegalCombinations(t *testing.T) {
	legal := []struct {
		class NotificationClass
		flags InitFlags
	}{
		{ClassNotify, CloseOnExec | ReportFID},
		{ClassNotify, CloseOnExec | ReportDirFID | ReportName},
		{ClassNotify, UnlimitedQueue | UnlimitedMarks},
		{ClassContent, CloseOnExec},
		{ClassContent, NonBlocking | UnlimitedQueue},
		{ClassPreContent, CloseOnExec | ReportTID},
	}
	for _, tc := range legal {
		flags, err := tc.class.Init(tc.flags)
		assert.Nil(t, err)
		assert.Equal(t, tc.class, flags.Class())
		assert.True(t, flags.Has(tc.flags))
	}
}

func TestEventFlagsConflictingOpenMode(t *testing.T) {
	flags := OpenWriteOnly | OpenReadWrite
	assert.True(t, errors.Is(flags.Validate(), ErrInvalidOpenMode))
}

func TestEventFlagsValidOpenModes(t *testing.T) {
	legal := []EventFlags{
		OpenReadOnly | OpenLargeFile | OpenCloseOnExec,
		OpenWriteOnly | OpenAppend,
		OpenReadWrite | OpenNonBlocking | OpenNoAccessTime,
	}
	for _, flags := range legal {
		assert.Nil(t, flags.Validate())
	}
}
