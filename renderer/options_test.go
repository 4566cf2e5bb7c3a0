package renderer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/achilleasa/procrt/accel"
)

func TestParseOptions(t *testing.T) {
	data := []byte(`
frame_width = 320
frame_height = 200
ray_types = 2
blas_update_mode = "rebuild"
tlas_update_mode = "refit"
disable_compaction = true
workers = 3
`)
	opts, err := ParseOptions(data)
	if err != nil {
		t.Fatal(err)
	}

	exp := Options{
		FrameW:            320,
		FrameH:            200,
		RayTypeCount:      2,
		BlasUpdateMode:    accel.UpdateModeRebuild,
		TlasUpdateMode:    accel.UpdateModeRefit,
		DisableCompaction: true,
		Workers:           3,
	}
	if opts != exp {
		t.Fatalf("expected options to be %+v; got %+v", exp, opts)
	}

	policy := opts.AccelOptions()
	if policy.BlasUpdateMode != accel.UpdateModeRebuild || policy.TlasUpdateMode != accel.UpdateModeRefit || !policy.DisableCompaction {
		t.Fatalf("unexpected build policy %+v", policy)
	}
}

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := ParseOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if opts != DefaultOptions() {
		t.Fatalf("expected default options; got %+v", opts)
	}
	if opts.AccelOptions() != accel.DefaultOptions() {
		t.Fatalf("expected default build policy; got %+v", opts.AccelOptions())
	}
}

func TestParseOptionsErrors(t *testing.T) {
	specs := []struct {
		data string
		exp  error
	}{
		{"frame_width = 0", ErrInvalidFrameDims},
		{"ray_types = 0", accel.ErrInvalidRayTypeCount},
	}
	for index, spec := range specs {
		_, err := ParseOptions([]byte(spec.data))
		if !errors.Is(err, spec.exp) {
			t.Errorf("[spec %d] expected error %v; got %v", index, spec.exp, err)
		}
	}

	if _, err := ParseOptions([]byte(`blas_update_mode = "sometimes"`)); err == nil {
		t.Error("expected an unknown update mode to be rejected")
	}
	if _, err := ParseOptions([]byte(`frame_width = `)); err == nil {
		t.Error("expected malformed toml to be rejected")
	}
}

func TestLoadOptionsRoundTrip(t *testing.T) {
	opts := DefaultOptions()
	opts.TlasUpdateMode = accel.UpdateModeRefit
	opts.PreferFastTrace = true
	opts.MemoryLimit = 1 << 20

	data, err := opts.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "options.toml")
	if err = os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadOptions(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded != opts {
		t.Fatalf("expected loaded options to be %+v; got %+v", opts, loaded)
	}

	if _, err = LoadOptions(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
