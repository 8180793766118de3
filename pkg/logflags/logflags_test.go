package logflags

import (
	"testing"
)

func TestSetupRejectsOutputWithoutLog(t *testing.T) {
	if err := Setup(false, "loader", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog, got %v", err)
	}
}

func TestSetupUnknownLayer(t *testing.T) {
	if err := Setup(true, "nonsense", ""); err == nil {
		t.Fatal("expected an error for an unknown layer")
	}
}

func TestSetupEnablesLayers(t *testing.T) {
	defer func() { loaderFlag, peFlag, relocFlag = false, false, false }()
	if err := Setup(true, "pe,reloc", ""); err != nil {
		t.Fatal(err)
	}
	if PE() != true || Reloc() != true {
		t.Fatal("expected pe and reloc layers enabled")
	}
	if Loader() {
		t.Fatal("loader layer should stay disabled")
	}
}

func TestSetupDefaultLayer(t *testing.T) {
	defer func() { loaderFlag, peFlag, relocFlag = false, false, false }()
	if err := Setup(true, "", ""); err != nil {
		t.Fatal(err)
	}
	if !Loader() {
		t.Fatal("empty logstr should enable the loader layer")
	}
}
