package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	errs "github.com/dmacmillan/Kive-sub000/common/errors"
	"github.com/dmacmillan/Kive-sub000/filestore"
	"github.com/dmacmillan/Kive-sub000/pipeline"
)

// Worker runs the helper jobs. Each operation reads its parameter file,
// writes a result file beside it, and returns an error carrying the exit
// code the worker process should end with.
type Worker struct {
	OpenStore func(context.Context, filestore.Config) (filestore.FileStore, error)
	Checker   pipeline.TypeChecker
}

func NewWorker() *Worker {
	return &Worker{OpenStore: filestore.Open, Checker: pipeline.CSVTypeChecker{}}
}

// stage copies the referenced dataset to dest and returns its MD5.
func stage(ctx context.Context, store filestore.FileStore, ref DatasetRef, dest string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", err
	}
	if ref.Key != "" {
		if err := filestore.Fetch(ctx, store, ref.Key, dest); err != nil {
			return "", errors.Wrapf(err, "fetching %s", ref.Key)
		}
	} else {
		if ref.Path == "" {
			return "", errors.Errorf("dataset %q has neither a key nor a path", ref.Name)
		}
		if err := copyFile(ref.Path, dest); err != nil {
			return "", errors.Wrapf(err, "copying %s", ref.Path)
		}
	}
	return filestore.MD5File(dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// describeOutput hashes, checks, and optionally stores one output file.
func (w *Worker) describeOutput(ctx context.Context, store filestore.FileStore, spec OutputSpec, path string) (OutputResult, error) {
	res := OutputResult{Index: spec.Index, Name: spec.Name, Path: path}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return res, nil
	} else if err != nil {
		return res, err
	}
	res.Present = true
	res.Size = info.Size()
	if res.MD5, err = filestore.MD5File(path); err != nil {
		return res, err
	}

	if cdt := spec.Datatype(); cdt != nil {
		f, err := os.Open(path)
		if err != nil {
			return res, err
		}
		report, err := w.Checker.CheckContent(f, cdt, spec.MinRow, spec.MaxRow)
		f.Close()
		if err != nil {
			return res, errors.Wrapf(err, "checking %s", path)
		}
		res.Content = &ContentResult{
			NumRows:     report.NumRows,
			BadHeader:   report.BadHeader,
			BadRowCount: report.BadRowCount,
			CellErrors:  report.CellErrors,
		}
	}

	if spec.Keep && spec.Key != "" {
		_, stored, err := filestore.PutFile(ctx, store, spec.Key, path)
		if err != nil {
			return res, errors.Wrapf(err, "storing %s", spec.Key)
		}
		if stored != res.MD5 {
			return res, errors.Errorf("stored %s has MD5 %s, file has %s", spec.Key, stored, res.MD5)
		}
		res.Key = spec.Key
		res.Stored = true
	}
	return res, nil
}

func (w *Worker) readParams(path string, v interface{}) *errs.ExitCodeError {
	if err := ReadJSON(path, v); err != nil {
		return errs.NewError(errors.Wrap(err, "reading parameters"), errs.BadParamFileExitCode)
	}
	return nil
}

// StepSetup prepares a step's sandbox: it stages the inputs and verifies
// the driver and input checksums.
func (w *Worker) StepSetup(ctx context.Context, paramPath string) error {
	var info StepExecuteInfo
	if err := w.readParams(paramPath, &info); err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"run": info.RunID, "component": info.Coordinates})
	result := SetupResult{Version: ParamVersion}

	finish := func(code errs.ExitCode, err error) error {
		result.ExitCode = int(code)
		if err != nil {
			result.Message = err.Error()
			logger.Infof("setup of %s: %s: %v", info.StepName, code, err)
		}
		if werr := WriteJSON(ResultPath(paramPath), result); werr != nil {
			return errs.NewError(errors.Wrap(werr, "writing setup result"), errs.SetupCrashedExitCode)
		}
		if code == errs.SetupOKExitCode {
			return nil
		}
		return errs.NewError(err, code)
	}

	if info.StopPath != "" {
		if _, err := os.Stat(info.StopPath); err == nil {
			return finish(errs.SetupCancelledExitCode, errors.New("run was stopped"))
		}
	}

	for _, dir := range []string{InputDir, OutputDir, LogDir} {
		if err := os.MkdirAll(filepath.Join(info.SandboxPath, dir), 0755); err != nil {
			return finish(errs.SetupCrashedExitCode, err)
		}
	}

	var err error
	result.DriverMD5, err = filestore.MD5File(info.Driver)
	if err != nil {
		return finish(errs.SetupCrashedExitCode, errors.Wrap(err, "hashing driver"))
	}
	if result.DriverMD5 != info.DriverMD5 {
		return finish(errs.SetupFailedExitCode, errors.Errorf("driver %s has MD5 %s, expected %s",
			info.Driver, result.DriverMD5, info.DriverMD5))
	}

	store, err := w.OpenStore(ctx, info.FileStore)
	if err != nil {
		return finish(errs.SetupCrashedExitCode, errors.Wrap(err, "opening file store"))
	}
	for i, in := range info.Inputs {
		sum, err := stage(ctx, store, in, InputPath(info.SandboxPath, i+1, in.Name))
		if err != nil {
			return finish(errs.SetupCrashedExitCode, err)
		}
		result.InputMD5s = append(result.InputMD5s, sum)
		if sum != in.MD5 {
			return finish(errs.SetupFailedExitCode, errors.Errorf("input %d (%s) has MD5 %s, expected %s",
				i+1, in.Name, sum, in.MD5))
		}
	}
	result.ChecksumsOK = true
	return finish(errs.SetupOKExitCode, nil)
}

// StepBookkeeping describes a step's outputs once its driver finished,
// storing the ones that are kept.
func (w *Worker) StepBookkeeping(ctx context.Context, paramPath string) error {
	var info StepExecuteInfo
	if err := w.readParams(paramPath, &info); err != nil {
		return err
	}
	result := BookkeepingResult{Version: ParamVersion}
	fail := func(err error) error {
		result.Message = err.Error()
		return errs.NewError(writeFailure(paramPath, result, err), errs.BookkeepingFailureExitCode)
	}

	if info.SetupResult != "" {
		var setup SetupResult
		err := ReadJSON(info.SetupResult, &setup)
		if err != nil || setup.ExitCode != int(errs.SetupOKExitCode) {
			result.Skipped = true
			if err != nil {
				result.Message = err.Error()
			} else {
				result.Message = errs.ExitCode(setup.ExitCode).String()
			}
			if werr := WriteJSON(ResultPath(paramPath), result); werr != nil {
				return errs.NewError(werr, errs.BookkeepingFailureExitCode)
			}
			return nil
		}
	}

	store, err := w.OpenStore(ctx, info.FileStore)
	if err != nil {
		return fail(errors.Wrap(err, "opening file store"))
	}
	for _, spec := range info.Outputs {
		res, err := w.describeOutput(ctx, store, spec, OutputPath(info.SandboxPath, spec.Index, spec.Name))
		if err != nil {
			return fail(err)
		}
		result.Outputs = append(result.Outputs, res)
	}
	if err := WriteJSON(ResultPath(paramPath), result); err != nil {
		return errs.NewError(err, errs.BookkeepingFailureExitCode)
	}
	return nil
}

// CableHelper runs a non-trivial cable: it stages the source dataset,
// checks it, and remaps its columns into the destination layout.
func (w *Worker) CableHelper(ctx context.Context, paramPath string) error {
	var info CableExecuteInfo
	if err := w.readParams(paramPath, &info); err != nil {
		return err
	}
	result := CableResult{Version: ParamVersion}
	fail := func(err error) error {
		result.Message = err.Error()
		return errs.NewError(writeFailure(paramPath, result, err), errs.CableFailureExitCode)
	}

	store, err := w.OpenStore(ctx, info.FileStore)
	if err != nil {
		return fail(errors.Wrap(err, "opening file store"))
	}
	src := InputPath(info.SandboxPath, 1, info.Input.Name)
	if result.InputMD5, err = stage(ctx, store, info.Input, src); err != nil {
		return fail(err)
	}
	if result.InputMD5 != info.Input.MD5 {
		return fail(errors.Errorf("source %s has MD5 %s, expected %s", info.Input.Name, result.InputMD5, info.Input.MD5))
	}

	dest := OutputPath(info.SandboxPath, 1, info.Output.Name)
	if err := remapFile(src, dest, info.Wires, info.Output); err != nil {
		return fail(err)
	}
	if result.Output, err = w.describeOutput(ctx, store, info.Output, dest); err != nil {
		return fail(err)
	}
	result.Succeeded = true
	if err := WriteJSON(ResultPath(paramPath), result); err != nil {
		return errs.NewError(err, errs.CableFailureExitCode)
	}
	return nil
}

func remapFile(src, dest string, wires []WireSpec, spec OutputSpec) error {
	if spec.IsRaw() {
		return errors.New("a raw dataset cannot be remapped")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	pw := make([]pipeline.Wire, len(wires))
	for i, wire := range wires {
		pw[i] = pipeline.Wire{SourceIdx: wire.SourceIdx, DestIdx: wire.DestIdx}
	}
	if _, err := pipeline.Remap(in, out, pw, spec.Datatype().ColumnNames()); err != nil {
		out.Close()
		return errors.Wrapf(err, "remapping %s", src)
	}
	return out.Close()
}

// writeFailure leaves result for the manager and returns cause, noting
// when the result could not be written either.
func writeFailure(paramPath string, result interface{}, cause error) error {
	werr := WriteJSON(ResultPath(paramPath), result)
	if werr == nil {
		return cause
	}
	log.WithFields(log.Fields{"params": paramPath, "err": werr}).Warn("could not write helper result")
	return errors.Wrapf(cause, "result not written (%v)", werr)
}
