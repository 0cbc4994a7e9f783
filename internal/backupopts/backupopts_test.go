package backupopts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateMutuallyExclusiveDirs(t *testing.T) {
	o := BackupOptions{BaseDir: "/data", TarDir: "/archives"}
	assert.Error(t, o.Validate(1))
}

func TestValidateRequiresOneDir(t *testing.T) {
	o := BackupOptions{}
	assert.Error(t, o.Validate(1))
}

func TestValidateCompressRequiresTarDir(t *testing.T) {
	o := BackupOptions{BaseDir: "/data", Compress: 6}
	assert.Error(t, o.Validate(1))
}

func TestValidateStdoutRejectsMultipleBatchesAndCompress(t *testing.T) {
	o := BackupOptions{TarDir: "-"}
	assert.NoError(t, o.Validate(1))
	assert.Error(t, o.Validate(2))

	o.Compress = 6
	assert.Error(t, o.Validate(1))
}

func TestProgressTrackerPercent(t *testing.T) {
	var p ProgressTracker
	assert.Equal(t, 0.0, p.Percent())

	p.TotalSize = 200
	p.AddDone(50)
	assert.Equal(t, 25.0, p.Percent())
}
