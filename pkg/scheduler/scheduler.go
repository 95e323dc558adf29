package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"go.uber.org/zap"
)

type TaskInstanceStatus int

func (s TaskInstanceStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Failed:
		return "failed"
	case UpstreamFailed:
		return "upstream_failed"
	case Succeeded:
		return "succeeded"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

type TaskInstanceType int

func (s TaskInstanceType) String() string {
	switch s {
	case TaskInstanceTypeMain:
		return "main"
	case TaskInstanceTypeColumnCheck:
		return "column_check"
	case TaskInstanceTypeCustomCheck:
		return "custom_check"
	}
	return "unknown"
}

const (
	Pending TaskInstanceStatus = iota
	Queued
	Running
	Failed
	UpstreamFailed
	Succeeded
	Skipped
)

const (
	TaskInstanceTypeMain TaskInstanceType = iota
	TaskInstanceTypeColumnCheck
	TaskInstanceTypeCustomCheck
)

// PrimaryKeyUniqueCheckName is the implicit check generated for every asset
// that declares primary-key columns: the live row set must never contain two
// rows with the same primary-key tuple.
const PrimaryKeyUniqueCheckName = "primary_key_unique"

type TaskInstance interface {
	GetPipeline() *pipeline.Pipeline
	GetAsset() *pipeline.Asset
	GetType() TaskInstanceType
	GetID() string
	GetHumanID() string
	GetHumanReadableDescription() string

	GetStatus() TaskInstanceStatus
	MarkAs(status TaskInstanceStatus)
	Completed() bool
	Blocking() bool

	GetUpstream() []TaskInstance
	GetDownstream() []TaskInstance
	AddUpstream(t TaskInstance)
	AddDownstream(t TaskInstance)
}

type AssetInstance struct {
	ID       string
	HumanID  string
	Pipeline *pipeline.Pipeline
	Asset    *pipeline.Asset

	status       TaskInstanceStatus
	upstream     []TaskInstance
	downstream   []TaskInstance
	rowsAffected *int64
}

func (t *AssetInstance) GetID() string {
	return t.ID
}

func (t *AssetInstance) GetHumanID() string {
	return t.HumanID
}

// ReportRowsAffected records the live row count observed after a successful
// materialization, surfaced in the executor's finished line.
func (t *AssetInstance) ReportRowsAffected(count int64) {
	t.rowsAffected = &count
}

func (t *AssetInstance) RowsAffected() (int64, bool) {
	if t.rowsAffected == nil {
		return 0, false
	}

	return *t.rowsAffected, true
}

func (t *AssetInstance) GetHumanReadableDescription() string {
	return t.Asset.Name
}

func (t *AssetInstance) GetStatus() TaskInstanceStatus {
	return t.status
}

func (t *AssetInstance) Completed() bool {
	return t.status == Failed || t.status == Succeeded || t.status == UpstreamFailed || t.status == Skipped
}

func (t *AssetInstance) Blocking() bool {
	return true
}

func (t *AssetInstance) MarkAs(status TaskInstanceStatus) {
	t.status = status
}

func (t *AssetInstance) GetPipeline() *pipeline.Pipeline {
	return t.Pipeline
}

func (t *AssetInstance) GetAsset() *pipeline.Asset {
	return t.Asset
}

func (t *AssetInstance) GetType() TaskInstanceType {
	return TaskInstanceTypeMain
}

func (t *AssetInstance) GetUpstream() []TaskInstance {
	return t.upstream
}

func (t *AssetInstance) GetDownstream() []TaskInstance {
	return t.downstream
}

func (t *AssetInstance) AddUpstream(task TaskInstance) {
	t.upstream = append(t.upstream, task)
}

func (t *AssetInstance) AddDownstream(task TaskInstance) {
	t.downstream = append(t.downstream, task)
}

type ColumnCheckInstance struct {
	*AssetInstance

	Column *pipeline.Column
	Check  *pipeline.ColumnCheck
}

func (t *ColumnCheckInstance) GetType() TaskInstanceType {
	return TaskInstanceTypeColumnCheck
}

func (t *ColumnCheckInstance) GetHumanReadableDescription() string {
	return fmt.Sprintf("%s - Column '%s' / Check '%s'", t.Asset.Name, t.Column.Name, t.Check.Name)
}

func (t *ColumnCheckInstance) Blocking() bool {
	return t.Check.Blocking.Bool()
}

type CustomCheckInstance struct {
	*AssetInstance

	Check *pipeline.CustomCheck
}

func (t *CustomCheckInstance) GetType() TaskInstanceType {
	return TaskInstanceTypeCustomCheck
}

func (t *CustomCheckInstance) GetHumanReadableDescription() string {
	return fmt.Sprintf("%s - Custom Check '%s'", t.Asset.Name, t.Check.Name)
}

func (t *CustomCheckInstance) Blocking() bool {
	return t.Check.Blocking.Bool()
}

type TaskExecutionResult struct {
	Instance TaskInstance
	Error    error
}

type InstancesByType map[TaskInstanceType][]TaskInstance

func (i InstancesByType) AddUpstreamByType(instanceType TaskInstanceType, upstream TaskInstance) {
	foundInstances := i[instanceType]
	for _, instance := range foundInstances {
		instance.AddUpstream(upstream)
		upstream.AddDownstream(instance)
	}
}

type Scheduler struct {
	logger           *zap.SugaredLogger
	taskScheduleLock sync.Mutex
	pipeline         *pipeline.Pipeline
	failFast         bool

	taskInstances []TaskInstance
	taskNameMap   map[string]InstancesByType

	WorkQueue chan TaskInstance
	Results   chan *TaskExecutionResult
}

func NewScheduler(logger *zap.SugaredLogger, p *pipeline.Pipeline, failFast bool) *Scheduler {
	instances := make([]TaskInstance, 0)
	for _, task := range p.Assets {
		instance := &AssetInstance{
			ID:         uuid.New().String(),
			HumanID:    task.Name,
			Pipeline:   p,
			Asset:      task,
			status:     Pending,
			upstream:   make([]TaskInstance, 0),
			downstream: make([]TaskInstance, 0),
		}
		instances = append(instances, instance)

		for _, col := range task.Columns {
			for _, t := range col.Checks {
				instances = append(instances, &ColumnCheckInstance{
					AssetInstance: &AssetInstance{
						ID:         uuid.New().String(),
						HumanID:    fmt.Sprintf("%s:%s:%s", task.Name, col.Name, t.Name),
						Pipeline:   p,
						Asset:      task,
						status:     Pending,
						upstream:   make([]TaskInstance, 0),
						downstream: make([]TaskInstance, 0),
					},
					Column: &col,
					Check:  &t,
				})
			}

			// non-nullable columns are checked even without an explicit not_null
			if !col.IsNullable() && !col.HasCheck("not_null") {
				check := pipeline.NewColumnCheck(task.Name, col.Name, "not_null", pipeline.ColumnCheckValue{}, nil)
				instances = append(instances, &ColumnCheckInstance{
					AssetInstance: &AssetInstance{
						ID:         uuid.New().String(),
						HumanID:    fmt.Sprintf("%s:%s:%s", task.Name, col.Name, check.Name),
						Pipeline:   p,
						Asset:      task,
						status:     Pending,
						upstream:   make([]TaskInstance, 0),
						downstream: make([]TaskInstance, 0),
					},
					Column: &col,
					Check:  &check,
				})
			}
		}

		if pkInstance := primaryKeyUniqueInstance(p, task); pkInstance != nil {
			instances = append(instances, pkInstance)
		}

		for _, c := range task.CustomChecks {
			humanIDName := strings.ReplaceAll(strings.ToLower(c.Name), " ", "_")
			instances = append(instances, &CustomCheckInstance{
				AssetInstance: &AssetInstance{
					ID:         uuid.New().String(),
					HumanID:    fmt.Sprintf("%s:custom-check:%s", task.Name, humanIDName),
					Pipeline:   p,
					Asset:      task,
					status:     Pending,
					upstream:   make([]TaskInstance, 0),
					downstream: make([]TaskInstance, 0),
				},
				Check: &c,
			})
		}
	}

	s := &Scheduler{
		logger:           logger,
		pipeline:         p,
		failFast:         failFast,
		taskInstances:    instances,
		taskScheduleLock: sync.Mutex{},
		WorkQueue:        make(chan TaskInstance, 100),
		Results:          make(chan *TaskExecutionResult),
	}
	s.initialize()

	return s
}

// primaryKeyUniqueInstance builds the implicit uniqueness check over the full
// primary-key tuple, attributed to the first primary-key column.
func primaryKeyUniqueInstance(p *pipeline.Pipeline, task *pipeline.Asset) *ColumnCheckInstance {
	primaryKeys := task.ColumnNamesWithPrimaryKey()
	if len(primaryKeys) == 0 {
		return nil
	}

	column := task.GetColumnWithName(primaryKeys[0])
	check := pipeline.NewColumnCheck(task.Name, column.Name, PrimaryKeyUniqueCheckName, pipeline.ColumnCheckValue{}, nil)

	return &ColumnCheckInstance{
		AssetInstance: &AssetInstance{
			ID:         uuid.New().String(),
			HumanID:    fmt.Sprintf("%s:%s:%s", task.Name, column.Name, PrimaryKeyUniqueCheckName),
			Pipeline:   p,
			Asset:      task,
			status:     Pending,
			upstream:   make([]TaskInstance, 0),
			downstream: make([]TaskInstance, 0),
		},
		Column: column,
		Check:  &check,
	}
}

func (s *Scheduler) initialize() {
	s.constructTaskNameMap()
	s.constructInstanceRelationships()
}

func (s *Scheduler) constructTaskNameMap() {
	s.taskNameMap = make(map[string]InstancesByType)
	for _, ti := range s.taskInstances {
		assetName := ti.GetAsset().Name
		if _, ok := s.taskNameMap[assetName]; !ok {
			s.taskNameMap[assetName] = InstancesByType{}
		}

		s.taskNameMap[assetName][ti.GetType()] = append(s.taskNameMap[assetName][ti.GetType()], ti)
	}
}

func (s *Scheduler) constructInstanceRelationships() {
	for _, ti := range s.taskInstances {
		if ti.GetType() != TaskInstanceTypeMain {
			continue
		}

		assetName := ti.GetAsset().Name

		// the quality checks run after the asset itself has materialized
		s.taskNameMap[assetName].AddUpstreamByType(TaskInstanceTypeColumnCheck, ti)
		s.taskNameMap[assetName].AddUpstreamByType(TaskInstanceTypeCustomCheck, ti)

		for _, dep := range ti.GetAsset().Upstreams {
			if dep.Type != "asset" {
				continue
			}

			upstreamInstances, ok := s.taskNameMap[dep.Value]
			if !ok {
				continue
			}

			for _, instances := range upstreamInstances {
				for _, upstream := range instances {
					if !upstream.Blocking() {
						continue
					}

					ti.AddUpstream(upstream)
					upstream.AddDownstream(ti)
				}
			}
		}
	}
}

func (s *Scheduler) InstanceCount() int {
	return len(s.taskInstances)
}

func (s *Scheduler) InstanceCountByStatus(status TaskInstanceStatus) int {
	count := 0
	for _, i := range s.taskInstances {
		if i.GetStatus() == status {
			count++
		}
	}

	return count
}

func (s *Scheduler) GetTaskInstances() []TaskInstance {
	return s.taskInstances
}

func (s *Scheduler) GetTaskInstancesByStatus(status TaskInstanceStatus) []TaskInstance {
	instances := make([]TaskInstance, 0)
	for _, i := range s.taskInstances {
		if i.GetStatus() != status {
			continue
		}

		instances = append(instances, i)
	}

	return instances
}

func (s *Scheduler) MarkAll(status TaskInstanceStatus) {
	for _, instance := range s.taskInstances {
		instance.MarkAs(status)
	}
}

// RestrictToAssets skips every instance whose asset is outside the given set,
// used for downstream-closure restricted runs.
func (s *Scheduler) RestrictToAssets(included map[string]bool) {
	for _, instance := range s.taskInstances {
		if !included[instance.GetAsset().Name] {
			instance.MarkAs(Skipped)
		}
	}
}

func (s *Scheduler) MarkTaskInstance(instance TaskInstance, status TaskInstanceStatus, downstream bool) {
	instance.MarkAs(status)
	if !downstream {
		return
	}

	for _, d := range instance.GetDownstream() {
		s.MarkTaskInstance(d, status, downstream)
	}
}

func (s *Scheduler) markTaskInstanceIfNotSkipped(instance TaskInstance, status TaskInstanceStatus, markDownstream bool) {
	if instance.GetStatus() == Skipped {
		return
	}
	instance.MarkAs(status)
	if !markDownstream {
		return
	}

	for _, d := range instance.GetDownstream() {
		s.markTaskInstanceIfNotSkipped(d, status, markDownstream)
	}
}

func (s *Scheduler) markTaskInstanceFailedWithDownstream(instance TaskInstance) {
	s.markTaskInstanceIfNotSkipped(instance, UpstreamFailed, true)
	s.markTaskInstanceIfNotSkipped(instance, Failed, false)
}

// HasAnyFailure reports whether any instance failed or was skipped due to an
// upstream failure, which drives the process exit status.
func (s *Scheduler) HasAnyFailure() bool {
	for _, instance := range s.taskInstances {
		status := instance.GetStatus()
		if status == Failed || status == UpstreamFailed {
			return true
		}
	}

	return false
}

func (s *Scheduler) Run(ctx context.Context) []*TaskExecutionResult {
	results := make([]*TaskExecutionResult, 0)
	if len(s.GetTaskInstancesByStatus(Pending)) == 0 {
		s.logger.Debug("no tasks to run, finishing the scheduler loop")
		return nil
	}

	go s.Kickstart()

	s.logger.Debug("started the scheduler loop")
	for {
		select {
		case <-ctx.Done():
			// cancellation takes effect between asset boundaries, in-flight
			// work runs to completion before the queue is closed
			close(s.WorkQueue)
			return results
		case result := <-s.Results:
			s.logger.Debug("received task result: ", result.Instance.GetHumanID())
			results = append(results, result)
			finished := s.Tick(result)
			if finished {
				s.logger.Debug("pipeline has completed, finishing the scheduler loop")
				return results
			}
		}
	}
}

// Tick marks an iteration of the scheduler loop. It is called when a result is
// received, and it queues every task whose upstreams have all completed.
func (s *Scheduler) Tick(result *TaskExecutionResult) bool {
	s.taskScheduleLock.Lock()
	defer s.taskScheduleLock.Unlock()

	if result.Instance.GetStatus() != Skipped {
		s.MarkTaskInstance(result.Instance, Succeeded, false)
	}
	if result.Error != nil {
		s.markTaskInstanceFailedWithDownstream(result.Instance)
		if s.failFast {
			for _, instance := range s.GetTaskInstancesByStatus(Pending) {
				instance.MarkAs(Skipped)
			}
		}
	}

	if s.hasPipelineFinished() {
		close(s.WorkQueue)
		return true
	}

	tasks := s.getScheduleableTasks()
	if len(tasks) == 0 {
		return false
	}

	for _, task := range tasks {
		task.MarkAs(Queued)
		s.WorkQueue <- task
	}

	return false
}

// Kickstart initiates the scheduler process by sending a "start" task for the processing.
func (s *Scheduler) Kickstart() {
	s.Tick(&TaskExecutionResult{
		Instance: &AssetInstance{
			Asset: &pipeline.Asset{
				Name: "start",
			},
			status: Succeeded,
		},
	})
}

func (s *Scheduler) getScheduleableTasks() []TaskInstance {
	tasks := make([]TaskInstance, 0)
	for _, task := range s.taskInstances {
		if task.GetStatus() != Pending {
			continue
		}

		if !s.allDependenciesSucceededForTask(task) {
			continue
		}

		tasks = append(tasks, task)
	}

	// fail-fast dispatches one task at a time in the deterministic topological
	// order, so a failure aborts the run before any later task has started
	if s.failFast {
		return s.nextSerialTask(tasks)
	}

	return tasks
}

func (s *Scheduler) nextSerialTask(ready []TaskInstance) []TaskInstance {
	if len(ready) == 0 {
		return ready
	}

	for _, task := range s.taskInstances {
		status := task.GetStatus()
		if status == Queued || status == Running {
			return nil
		}
	}

	next := ready[0]
	for _, task := range ready[1:] {
		if scheduledBefore(task, next) {
			next = task
		}
	}

	return []TaskInstance{next}
}

// scheduledBefore is the lexical tie-break between two ready instances, the
// same ordering the dependency graph uses for its topological order.
func scheduledBefore(a, b TaskInstance) bool {
	if a.GetAsset().Name != b.GetAsset().Name {
		return a.GetAsset().Name < b.GetAsset().Name
	}

	if a.GetType() != b.GetType() {
		return a.GetType() < b.GetType()
	}

	return a.GetHumanID() < b.GetHumanID()
}

func (s *Scheduler) allDependenciesSucceededForTask(t TaskInstance) bool {
	if len(t.GetUpstream()) == 0 {
		return true
	}

	for _, upstream := range t.GetUpstream() {
		status := upstream.GetStatus()
		if status == Pending || status == Queued || status == Running {
			return false
		}
	}

	return true
}

func (s *Scheduler) hasPipelineFinished() bool {
	for _, task := range s.taskInstances {
		if !task.Completed() {
			return false
		}
	}

	return true
}
