package process

import "testing"

func TestParseStat(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		ok      bool
		comm    string
		ppid    uint32
		threads uint32
	}{
		{"plain", "12 (bash) S 3 12 12 0 -1 0 0 0 0 0 7 8 0 0 20 0 1 0 5 100 200", true, "bash", 3, 1},
		{"parensInName", "13 (a) (b)) R 4 13 13 0 -1 0 0 0 0 0 1 2 0 0 20 0 9 0 5 100 200", true, "a) (b)", 4, 9},
		{"emptyName", "14 () S 1 14 14 0 -1 0 0 0 0 0 1 2 0 0 20 0 2 0 5 100 200", true, UnknownName, 1, 2},
		{"noParens", "15 bash S 1", false, "", 0, 0},
		{"truncated", "16 (cut) S 1 16 16", false, "", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, ok := parseStat([]byte(tc.input))
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if !ok {
				return
			}
			if st.comm != tc.comm || st.ppid != tc.ppid || st.threads != tc.threads {
				t.Fatalf("unexpected stat %+v", st)
			}
		})
	}
}

func TestFieldUint(t *testing.T) {
	data := []byte("  10 -1\t20\n30 ")
	if v, ok := fieldUint(data, 0); !ok || v != 10 {
		t.Fatalf("field 0: got %d %v", v, ok)
	}
	if _, ok := fieldUint(data, 1); ok {
		t.Fatalf("negative field should not parse")
	}
	if v, ok := fieldUint(data, 3); !ok || v != 30 {
		t.Fatalf("field 3: got %d %v", v, ok)
	}
	if _, ok := fieldUint(data, 4); ok {
		t.Fatalf("out of range field should fail")
	}
}
