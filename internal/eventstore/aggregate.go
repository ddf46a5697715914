// internal/eventstore/aggregate.go
package eventstore

import "fmt"

// Aggregate 事件溯源聚合。具体聚合内嵌 Root 并实现 AggregateType。
type Aggregate interface {
	Root() *Root
	AggregateType() string
}

// Root 聚合基座：维护 ID、版本号、未提交事件和事件处理表。
//
// 状态变更走显式的处理表而不是反射派发：每个聚合在构造时用 On
// 登记自己关心的事件类型，未登记的类型在回放时直接报错，坏数据
// 在加载阶段就暴露出来。
type Root struct {
	id          string
	version     int64
	handlers    map[string]func(Event)
	uncommitted []Event
}

// Init 初始化聚合基座。version 为 -1 表示还没有任何事件。
func (r *Root) Init(id string) {
	r.id = id
	r.version = -1
	r.handlers = make(map[string]func(Event))
	r.uncommitted = nil
}

func (r *Root) ID() string { return r.id }

// Version 最后一个已应用事件的序号，空聚合为 -1。
func (r *Root) Version() int64 { return r.version }

// On 登记某种事件类型的状态变更函数。
func (r *Root) On(eventType string, handler func(Event)) {
	r.handlers[eventType] = handler
}

// Apply 处理一个新产生的事件：先变更状态，再记入未提交队列。
func (r *Root) Apply(event Event) {
	r.mutate(event)
	r.uncommitted = append(r.uncommitted, event)
}

// Uncommitted 返回尚未持久化的事件，顺序即产生顺序。
func (r *Root) Uncommitted() []Event {
	return r.uncommitted
}

// MarkCommitted 在事件持久化成功后调用，清空未提交队列并推进版本号。
func (r *Root) MarkCommitted(version int64) {
	r.uncommitted = nil
	r.version = version
}

// replay 回放一个历史事件：只变更状态，不进未提交队列。
func (r *Root) replay(event Event, sequence int64) error {
	handler, ok := r.handlers[event.EventType()]
	if !ok {
		return fmt.Errorf("eventstore: aggregate %s has no handler for event type %q", r.id, event.EventType())
	}
	handler(event)
	r.version = sequence
	return nil
}

func (r *Root) mutate(event Event) {
	if handler, ok := r.handlers[event.EventType()]; ok {
		handler(event)
	}
}
