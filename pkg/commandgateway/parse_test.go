package commandgateway

import (
	"testing"
)

func TestParseListReplicas(t *testing.T) {
	stdout := "ADDRESS\tMODE\tSNAPSHOTCHAIN\n" +
		"tcp://10.0.0.11:10000\tRW\t[volume-snap-abc.img volume-head-000.img]\n" +
		"tcp://10.0.0.12:10000\tRW\n" +
		"\n\n"

	rows := ParseListReplicas(stdout)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Endpoint != "tcp://10.0.0.11:10000" || rows[0].Mode != "RW" {
		t.Fatalf("unexpected row 0: %+v", rows[0])
	}
	if len(rows[0].SnapshotChain) != 2 {
		t.Fatalf("unexpected chain: %+v", rows[0].SnapshotChain)
	}
	if rows[1].Endpoint != "tcp://10.0.0.12:10000" || len(rows[1].SnapshotChain) != 0 {
		t.Fatalf("unexpected row 1: %+v", rows[1])
	}
}

func TestParseSnapshotList(t *testing.T) {
	stdout := "NAME\nsnap-1\nsnap-2\n\n"
	names := ParseSnapshotList(stdout)
	if len(names) != 2 || names[0] != "snap-1" || names[1] != "snap-2" {
		t.Fatalf("unexpected names: %+v", names)
	}
}

func TestParseDF(t *testing.T) {
	// 10 GiB = 10*1024*1024 kB
	stdout := "Filesystem     1K-blocks    Used Available Use% Mounted on\n" +
		"/dev/longhorn  10485760 5242880   5242880  50% /mnt/block\n"
	res, err := ParseDF(stdout)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalGiB != 10 || res.UsedGiB != 5 || res.AvailGiB != 5 || res.UsedPercent != 50 {
		t.Fatalf("unexpected df result: %+v", res)
	}
}

func TestParseDU(t *testing.T) {
	stdout := "2097152\t/mnt/disk/block-replica-v1-abc\n"
	gib, err := ParseDU(stdout)
	if err != nil {
		t.Fatal(err)
	}
	if gib != 2 {
		t.Fatalf("got %v GiB, want 2", gib)
	}
}

func TestParseJSON(t *testing.T) {
	var info struct {
		FrontendState string `json:"frontendState"`
		Endpoint      string `json:"endpoint"`
	}
	if err := ParseJSON(`{"frontendState":"up","endpoint":"/dev/longhorn/v1"}`, &info); err != nil {
		t.Fatal(err)
	}
	if info.FrontendState != "up" || info.Endpoint != "/dev/longhorn/v1" {
		t.Fatalf("unexpected info: %+v", info)
	}
}
