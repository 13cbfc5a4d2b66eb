package main

import (
	"io/fs"
	"strings"
	"testing"

	appmigrations "github.com/wolfman30/clinic-booking/migrations"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args    []string
		want    command
		wantErr bool
	}{
		{args: nil, want: command{name: "up"}},
		{args: []string{"up"}, want: command{name: "up"}},
		{args: []string{"force", "3"}, want: command{name: "force", version: 3}},
		{args: []string{"force"}, wantErr: true},
		{args: []string{"force", "x"}, wantErr: true},
		{args: []string{"down"}, want: command{name: "down", version: 1}},
		{args: []string{"down", "2"}, want: command{name: "down", version: 2}},
		{args: []string{"down", "0"}, wantErr: true},
		{args: []string{"sideways"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseCommand(tt.args)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseCommand(%v): expected error", tt.args)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseCommand(%v): %v", tt.args, err)
		}
		if got != tt.want {
			t.Fatalf("parseCommand(%v) = %+v, want %+v", tt.args, got, tt.want)
		}
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	names, err := fs.Glob(appmigrations.FS, "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(names) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	ups, downs := 0, 0
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".up.sql"):
			ups++
		case strings.HasSuffix(n, ".down.sql"):
			downs++
		}
	}
	if ups != downs {
		t.Fatalf("expected paired migrations, got %d up and %d down", ups, downs)
	}

	schema, err := fs.ReadFile(appmigrations.FS, "000001_init.up.sql")
	if err != nil {
		t.Fatalf("read init: %v", err)
	}
	for _, idx := range []string{"appointments_occupied_slot_idx", "payments_active_appointment_idx"} {
		if !strings.Contains(string(schema), idx) {
			t.Fatalf("expected %s in schema", idx)
		}
	}
}
