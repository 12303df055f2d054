package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/algotest/algotest/ident"
	"github.com/algotest/algotest/sandbox"
	"github.com/algotest/algotest/store"
	"github.com/algotest/algotest/workflow/execution"
	"github.com/algotest/algotest/workflow/report"
	"github.com/algotest/algotest/workflow/selection"
)

func runID(workflow, taskID string) string {
	return fmt.Sprintf("%s_%s_%s", workflow, taskID, ident.Stamp())
}

// stateError converts a workflow's final state into the run outcome.
func stateError(want, got string, errs []string) error {
	if got == want {
		return nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("workflow ended %s: %s", got, strings.Join(errs, "; "))
	}
	return fmt.Errorf("workflow ended %s", got)
}

func taskView(t store.Task) map[string]any {
	return map[string]any{
		"task_id":         t.TaskID,
		"document_id":     t.DocumentID,
		"algorithm_image": t.AlgorithmImage,
		"dataset_url":     t.DatasetURL,
		"container_name":  t.ContainerName,
		"status":          t.Status,
		"created_at":      t.CreatedAt,
		"updated_at":      t.UpdatedAt,
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.db.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list tasks: %v", err)
		return
	}
	out := make([]map[string]any, len(tasks))
	for i, t := range tasks {
		out[i] = taskView(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.db.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found: %s", taskID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load task: %v", err)
		return
	}
	cases, err := s.db.ListCases(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load cases: %v", err)
		return
	}

	view := taskView(task)
	caseViews := make([]map[string]any, len(cases))
	for i, c := range cases {
		caseViews[i] = caseView(c)
	}
	view["test_cases"] = caseViews
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var body struct {
		AlgorithmImage string `json:"algorithm_image"`
		DatasetURL     string `json:"dataset_url"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	task, err := s.db.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found: %s", taskID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load task: %v", err)
		return
	}

	image := task.AlgorithmImage
	if body.AlgorithmImage != "" {
		image = body.AlgorithmImage
	}
	dataset := task.DatasetURL
	if body.DatasetURL != "" {
		dataset = body.DatasetURL
	}
	if err := s.db.UpdateTaskImage(r.Context(), taskID, image, dataset); err != nil {
		writeError(w, http.StatusInternalServerError, "update task: %v", err)
		return
	}

	task.AlgorithmImage = image
	task.DatasetURL = dataset
	writeJSON(w, http.StatusOK, taskView(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if s.runner.Busy(taskID) {
		writeError(w, http.StatusConflict, "task %s is running", taskID)
		return
	}
	err := s.db.DeleteTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found: %s", taskID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delete task: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "task deleted"})
}

// guardTrigger performs the shared checks before a workflow trigger and
// returns the task when the trigger may proceed.
func (s *Server) guardTrigger(w http.ResponseWriter, r *http.Request) (store.Task, bool) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.db.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found: %s", taskID)
		return store.Task{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load task: %v", err)
		return store.Task{}, false
	}
	if task.Status == store.StatusRunning || s.runner.Busy(taskID) {
		writeError(w, http.StatusConflict, "task %s is running", taskID)
		return store.Task{}, false
	}
	return task, true
}

func (s *Server) accepted(w http.ResponseWriter, taskID string) {
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  store.StatusRunning,
	})
}

// handlePrepareTask runs the selection workflow: bind a dataset image
// to every generated case.
func (s *Server) handlePrepareTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.guardTrigger(w, r)
	if !ok {
		return
	}

	err := s.runner.Trigger(task.TaskID, "selection", func(ctx context.Context) error {
		caller, err := s.dial(ctx)
		if err != nil {
			return fmt.Errorf("connect executor: %w", err)
		}
		defer caller.Close()
		ctrl := sandbox.NewController(caller, s.cfg.Executor.CallTimeout.Std(), s.logger)

		eng, err := selection.New(selection.Deps{
			Gateway: s.gateway,
			Runner:  ctrl,
			DB:      s.db,
			Logger:  s.logger,
			DataDir: s.cfg.Data.Dir,
			Emitter: s.emitter,
			Metrics: s.metrics,
		})
		if err != nil {
			return err
		}
		final, err := eng.Run(ctx, runID("selection", task.TaskID), selection.State{TaskID: task.TaskID})
		if err != nil {
			return err
		}
		return stateError(selection.StatusCompleted, final.Status, final.Errors)
	})
	if errors.Is(err, ErrBusy) {
		writeError(w, http.StatusConflict, "task %s is running", task.TaskID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "start selection: %v", err)
		return
	}
	s.accepted(w, task.TaskID)
}

// handleExecuteTask runs the execution workflow, optionally restricted
// to a single case.
func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.guardTrigger(w, r)
	if !ok {
		return
	}

	var body struct {
		CaseID string `json:"case_id"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
	}
	if task.AlgorithmImage == "" {
		writeError(w, http.StatusBadRequest, "task %s has no algorithm image", task.TaskID)
		return
	}

	err := s.runner.Trigger(task.TaskID, "execution", func(ctx context.Context) error {
		caller, err := s.dial(ctx)
		if err != nil {
			return fmt.Errorf("connect executor: %w", err)
		}
		defer caller.Close()
		ctrl := sandbox.NewController(caller, s.cfg.Executor.CallTimeout.Std(), s.logger)

		eng, err := execution.New(execution.Deps{
			Ctrl:    ctrl,
			Gateway: s.gateway,
			DB:      s.db,
			Logger:  s.logger,
			Emitter: s.emitter,
			Metrics: s.metrics,
		})
		if err != nil {
			return err
		}
		final, err := eng.Run(ctx, runID("execution", task.TaskID), execution.State{
			TaskID: task.TaskID,
			CaseID: body.CaseID,
		})
		runErr := err
		if runErr == nil {
			runErr = stateError(execution.StatusCompleted, final.Status, final.Errors)
		}
		if runErr != nil {
			// The sandbox must not outlive a failed or cancelled run.
			s.releaseSandbox(ctx, ctrl, task.TaskID)
		}
		return runErr
	})
	if errors.Is(err, ErrBusy) {
		writeError(w, http.StatusConflict, "task %s is running", task.TaskID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "start execution: %v", err)
		return
	}
	s.accepted(w, task.TaskID)
}

// releaseSandbox tears down a task's sandbox on the way out of a failed
// or cancelled run. Best effort: failures are logged and the operator
// can still hit the release endpoint.
func (s *Server) releaseSandbox(ctx context.Context, ctrl *sandbox.Controller, taskID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	name := sandbox.Name(taskID)
	if err := ctrl.Release(rctx, name); err != nil {
		s.logger.Warn("sandbox not released", "task_id", taskID, "sandbox", name, "error", err)
		return
	}
	if err := s.db.UpdateTaskContainer(rctx, taskID, ""); err != nil {
		s.logger.Warn("clear sandbox name", "task_id", taskID, "error", err)
	}
}

// handleReleaseTask stops and removes the task's sandbox container.
func (s *Server) handleReleaseTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.db.GetTask(r.Context(), taskID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found: %s", taskID)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "load task: %v", err)
		return
	}
	if s.runner.Busy(taskID) {
		writeError(w, http.StatusConflict, "task %s is running", taskID)
		return
	}

	caller, err := s.dial(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "connect executor: %v", err)
		return
	}
	defer caller.Close()
	ctrl := sandbox.NewController(caller, s.cfg.Executor.CallTimeout.Std(), s.logger)

	name := sandbox.Name(taskID)
	if err := ctrl.Release(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, "release sandbox: %v", err)
		return
	}
	if err := s.db.UpdateTaskContainer(r.Context(), taskID, ""); err != nil {
		writeError(w, http.StatusInternalServerError, "clear sandbox name: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "sandbox released", "sandbox": name})
}

// handleReportTask runs the report workflow.
func (s *Server) handleReportTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.guardTrigger(w, r)
	if !ok {
		return
	}

	err := s.runner.Trigger(task.TaskID, "report", func(ctx context.Context) error {
		eng, err := report.New(report.Deps{
			Gateway: s.gateway,
			DB:      s.db,
			Logger:  s.logger,
			DataDir: s.cfg.Data.Dir,
			Basics: report.BasicInfo{
				SDKVersion: s.cfg.Report.SDKVersion,
				Operator:   s.cfg.Report.Operator,
			},
			Emitter: s.emitter,
			Metrics: s.metrics,
		})
		if err != nil {
			return err
		}
		final, err := eng.Run(ctx, runID("report", task.TaskID), report.State{TaskID: task.TaskID})
		if err != nil {
			return err
		}
		return stateError(report.StatusCompleted, final.Status, final.Errors)
	})
	if errors.Is(err, ErrBusy) {
		writeError(w, http.StatusConflict, "task %s is running", task.TaskID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "start report: %v", err)
		return
	}
	s.accepted(w, task.TaskID)
}
