package gesher

import (
	"fmt"

	"github.com/jmbenlloch/go-hdf5"
)

const STRLEN = 64

type EventHDF5 struct {
	run       int32
	segment   int32
	timestamp float64
	angle     float64
	hits      int32
}

type RunInfoHDF5 struct {
	run  int32
	path [STRLEN]byte
}

type CalibrationHDF5 struct {
	slope     float64
	intercept float64
}

func convertToHdf5String(s string) [STRLEN]byte {
	var byteArray [STRLEN]byte
	copy(byteArray[:], s)
	return byteArray
}

func openFile(fname string) (*hdf5.File, error) {
	f, err := hdf5.CreateFile(fname, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, &ErrOpenFile{Filename: fname, Err: err}
	}
	return f, nil
}

func createGroup(file *hdf5.File, groupName string) (*hdf5.Group, error) {
	g, err := file.CreateGroup(groupName)
	if err != nil {
		return nil, &ErrCreateDataset{Name: groupName, Err: err}
	}
	return g, nil
}

// create2dArray makes an extendible float64 array of rows x nColumns.
func create2dArray(group *hdf5.Group, name string, nColumns int, compression int) (*hdf5.Dataset, error) {
	dimsArray := []uint{0, 0}
	unlimitedDims := -1 // H5S_UNLIMITED is -1L
	maxDimsArray := []uint{uint(unlimitedDims), uint(nColumns)}
	chunks := []uint{1024, uint(nColumns)}
	return createArray(group, name, dimsArray, maxDimsArray, chunks, compression)
}

func createArray(group *hdf5.Group, name string, dims []uint, maxDims []uint, chunks []uint, compression int) (*hdf5.Dataset, error) {
	fileSpace, err := hdf5.CreateSimpleDataspace(dims, maxDims)
	if err != nil {
		return nil, &ErrCreateDataset{Name: name, Err: err}
	}
	defer fileSpace.Close()

	plist, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		return nil, &ErrCreateDataset{Name: name, Err: err}
	}
	defer plist.Close()
	if err := plist.SetChunk(chunks); err != nil {
		return nil, &ErrCreateDataset{Name: name, Err: err}
	}
	if err := plist.SetDeflate(compression); err != nil {
		return nil, &ErrCreateDataset{Name: name, Err: err}
	}

	dset, err := group.CreateDatasetWith(name, hdf5.T_NATIVE_DOUBLE, fileSpace, plist)
	if err != nil {
		return nil, &ErrCreateDataset{Name: name, Err: err}
	}
	return dset, nil
}

func createTable(group *hdf5.Group, name string, datatype interface{}, compression int) (*hdf5.Dataset, error) {
	dims := []uint{0}
	unlimitedDims := -1 // H5S_UNLIMITED is -1L
	maxDims := []uint{uint(unlimitedDims)}
	fileSpace, err := hdf5.CreateSimpleDataspace(dims, maxDims)
	if err != nil {
		return nil, &ErrCreateDataset{Name: name, Err: err}
	}
	defer fileSpace.Close()

	plist, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		return nil, &ErrCreateDataset{Name: name, Err: err}
	}
	defer plist.Close()
	if err := plist.SetChunk([]uint{1024}); err != nil {
		return nil, &ErrCreateDataset{Name: name, Err: err}
	}
	if err := plist.SetDeflate(compression); err != nil {
		return nil, &ErrCreateDataset{Name: name, Err: err}
	}

	// create the memory data type
	dtype, err := hdf5.NewDatatypeFromValue(datatype)
	if err != nil {
		return nil, &ErrCreateDataset{Name: name, Err: err}
	}

	dset, err := group.CreateDatasetWith(name, dtype, fileSpace, plist)
	if err != nil {
		return nil, &ErrCreateDataset{Name: name, Err: err}
	}
	return dset, nil
}

func writeEntryToTable[T any](dataset *hdf5.Dataset, data T, rows int) error {
	array := []T{data}
	return writeArrayToTable(dataset, &array, rows)
}

// writeArrayToTable appends data after the first rows entries of dataset.
func writeArrayToTable[T any](dataset *hdf5.Dataset, data *[]T, rows int) error {
	length := uint(len(*data))
	dataspace, err := hdf5.CreateSimpleDataspace([]uint{length}, nil)
	if err != nil {
		return err
	}
	defer dataspace.Close()

	if err := dataset.Resize([]uint{uint(rows) + length}); err != nil {
		return fmt.Errorf("error resizing table: %w", err)
	}
	filespace := dataset.Space()
	defer filespace.Close()

	if err := filespace.SelectHyperslab([]uint{uint(rows)}, nil, []uint{length}, nil); err != nil {
		return err
	}
	return dataset.WriteSubset(data, dataspace, filespace)
}

// write2dArray stores data as row number row of a rows x len(data) array.
func write2dArray(dataset *hdf5.Dataset, data *[]float64, row int) error {
	nColumns := uint(len(*data))
	if err := dataset.Resize([]uint{uint(row) + 1, nColumns}); err != nil {
		return fmt.Errorf("error resizing array: %w", err)
	}
	filespace := dataset.Space()
	defer filespace.Close()

	count := []uint{1, nColumns}
	if err := filespace.SelectHyperslab([]uint{uint(row), 0}, nil, count, nil); err != nil {
		return err
	}
	dataspace, err := hdf5.CreateSimpleDataspace(count, nil)
	if err != nil {
		return err
	}
	defer dataspace.Close()

	return dataset.WriteSubset(data, dataspace, filespace)
}
