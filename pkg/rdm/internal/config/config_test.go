// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Credits.RxWindowSize != 128 {
		t.Errorf("RxWindowSize = %d, want 128", cfg.Credits.RxWindowSize)
	}
	if cfg.Credits.TxMinCredits != 32 || cfg.Credits.TxMaxCredits != 64 {
		t.Errorf("TxMinCredits/TxMaxCredits = %d/%d, want 32/64", cfg.Credits.TxMinCredits, cfg.Credits.TxMaxCredits)
	}
	if cfg.RecvWinSize != 16384 {
		t.Errorf("RecvWinSize = %d, want 16384", cfg.RecvWinSize)
	}
	if cfg.Progress.CQSize != 8192 {
		t.Errorf("CQSize = %d, want 8192", cfg.Progress.CQSize)
	}
	if cfg.RNR.MaxTimeoutUs != 1_000_000 {
		t.Errorf("MaxTimeoutUs = %d, want 1000000", cfg.RNR.MaxTimeoutUs)
	}
	if cfg.RNR.TimeoutIntervalUs < 40 || cfg.RNR.TimeoutIntervalUs > 120 {
		t.Errorf("TimeoutIntervalUs = %d, want in [40,120]", cfg.RNR.TimeoutIntervalUs)
	}
	if !cfg.EnableSASOrdering || !cfg.SHM.Enable {
		t.Errorf("expected enable_sas_ordering and enable_shm_transfer to default true")
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rdm.toml")
	doc := `
recvwin_size = 256

[credits]
tx_max_credits = 128
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RecvWinSize != 256 {
		t.Errorf("RecvWinSize = %d, want 256 from file", cfg.RecvWinSize)
	}
	if cfg.Credits.TxMaxCredits != 128 {
		t.Errorf("TxMaxCredits = %d, want 128 from file", cfg.Credits.TxMaxCredits)
	}
	if cfg.Credits.TxMinCredits != 32 {
		t.Errorf("TxMinCredits = %d, want untouched default 32", cfg.Credits.TxMinCredits)
	}
}
