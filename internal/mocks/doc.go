// Package mocks provides shared fakes for testing.
//
// The fakes stand in for the collaborators of the build loop so that
// pipeline and repair-loop behavior can be tested without a model, a
// container runtime or a git repository.
//
// # Usage
//
//	import "buildloop/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    gw := mocks.NewFakeGateway()
//	    gw.Default(actor.RolePlanner, mocks.PlanReply(95))
//	    sb := mocks.NewFakeSandbox(mocks.PassingResult())
//	    // hand gw and sb to the component under test...
//	}
//
// # Available Mocks
//
//   - MockLLMClient: scripted llm.LLMClient
//   - FakeGateway: scripted actor.Gateway; replies go through real schema validation
//   - FakeSandbox: scripted sandbox.Adapter
//   - FakeRepository: in-memory workspace.Repository
package mocks
