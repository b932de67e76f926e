package main

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"slicer/dex"
	"slicer/reader"
)

// dexInput is one dex image of an input file.
type dexInput struct {
	name string
	data []byte
}

// mapFile maps path read only. IR built from the image points into the
// mapping, so release must wait until the IR is no longer used.
func mapFile(path string) (data []byte, release func(), err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if st.Size() == 0 {
		return nil, nil, errors.Errorf("%s is empty", path)
	}
	data, err = unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mmap %s", path)
	}
	return data, func() {
		if err := unix.Munmap(data); err != nil {
			log.Warnf("[!] munmap %s: %v", path, err)
		}
	}, nil
}

// loadInputs returns the dex images of a .dex file or of the
// classes*.dex entries of an .apk.
func loadInputs(path string) ([]dexInput, func(), error) {
	if !strings.EqualFold(filepath.Ext(path), ".apk") {
		data, release, err := mapFile(path)
		if err != nil {
			return nil, nil, err
		}
		return []dexInput{{name: filepath.Base(path), data: data}}, release, nil
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open apk %s", path)
	}
	defer r.Close()

	var inputs []dexInput
	for _, f := range r.File {
		if ok, _ := filepath.Match("classes*.dex", f.Name); !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "open %s in %s", f.Name, path)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "read %s in %s", f.Name, path)
		}
		inputs = append(inputs, dexInput{name: f.Name, data: data})
	}
	if len(inputs) == 0 {
		return nil, nil, errors.Errorf("no classes*.dex in %s", path)
	}
	return inputs, func() {}, nil
}

// findClass returns a reader over the input defining descriptor.
func findClass(inputs []dexInput, descriptor string) (*reader.Reader, dexInput, error) {
	for _, in := range inputs {
		r, err := reader.New(in.data)
		if err != nil {
			log.Warnf("[!] skipping %s: %v", in.name, err)
			continue
		}
		if r.FindClassIndex(descriptor) != dex.NoIndex {
			return r, in, nil
		}
	}
	return nil, dexInput{}, errors.Errorf("class %s not found", descriptor)
}
