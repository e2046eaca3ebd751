package engine

import (
	"testing"
	"time"
)

func testPlanRequest() PlanRequest {
	return PlanRequest{
		Environments: []string{"develop"},
		Infra: []ComponentSpec{
			{Name: "db", Command: []string{"deploy", "db"}, Retries: -1},
			{Name: "broker", Command: []string{"deploy", "broker"}, Retries: -1},
		},
		Applications: []ComponentSpec{
			{Name: "api", Command: []string{"deploy", "api"}, Retries: -1},
			{Name: "frontend", Command: []string{"deploy", "frontend"}, Retries: -1},
		},
		DefaultRetries: 2,
		DefaultTimeout: time.Minute,
	}
}

func TestBuildPlanChainsInfraAndFansOutApps(t *testing.T) {
	plan, err := BuildPlan(testPlanRequest())
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	if len(plan.Units) != 4 {
		t.Fatalf("Expected 4 units, got %d", len(plan.Units))
	}

	db := plan.Unit("infra/develop/db")
	broker := plan.Unit("infra/develop/broker")
	api := plan.Unit("application/develop/api")

	if db == nil || broker == nil || api == nil {
		t.Fatal("Expected all units in plan")
	}
	if len(db.Dependencies) != 0 {
		t.Errorf("Expected first infra unit to have no dependencies, got %v", db.Dependencies)
	}
	if len(broker.Dependencies) != 1 || broker.Dependencies[0].TargetID != db.ID {
		t.Errorf("Expected broker to require db, got %v", broker.Dependencies)
	}

	// Applications require every infra unit of their environment.
	if len(api.Dependencies) != 2 {
		t.Fatalf("Expected api to require both infra units, got %v", api.Dependencies)
	}
	for _, dep := range api.Dependencies {
		if dep.Type != DependencyRequire {
			t.Errorf("Expected require dependency, got %s", dep.Type)
		}
	}

	if plan.Summary.InfraUnits != 2 || plan.Summary.ApplicationUnits != 2 {
		t.Errorf("Unexpected summary: %+v", plan.Summary)
	}
}

func TestBuildPlanAppliesOverrides(t *testing.T) {
	req := testPlanRequest()
	req.Applications[0].Retries = 5
	req.Applications[0].Timeout = 3 * time.Minute

	plan, err := BuildPlan(req)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	api := plan.Unit("application/develop/api")
	if api.Retries != 5 {
		t.Errorf("Expected retries override 5, got %d", api.Retries)
	}
	if api.Timeout != 3*time.Minute {
		t.Errorf("Expected timeout override 3m, got %s", api.Timeout)
	}

	frontend := plan.Unit("application/develop/frontend")
	if frontend.Retries != 2 {
		t.Errorf("Expected default retries 2, got %d", frontend.Retries)
	}
	if frontend.Timeout != time.Minute {
		t.Errorf("Expected default timeout 1m, got %s", frontend.Timeout)
	}
}

func TestBuildPlanMarksInapplicableUnits(t *testing.T) {
	req := testPlanRequest()
	req.Environments = []string{"develop", "production"}
	req.Applications[1].Environments = []string{"production"}

	plan, err := BuildPlan(req)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	devFrontend := plan.Unit("application/develop/frontend")
	if devFrontend.Applicable {
		t.Error("Expected develop frontend to be inapplicable")
	}
	if devFrontend.SkipReason == "" {
		t.Error("Expected a skip reason on the inapplicable unit")
	}

	prodFrontend := plan.Unit("application/production/frontend")
	if !prodFrontend.Applicable {
		t.Error("Expected production frontend to be applicable")
	}

	if plan.Summary.Excluded != 1 {
		t.Errorf("Expected 1 excluded unit, got %d", plan.Summary.Excluded)
	}
}

func TestBuildPlanSequentialEnvironments(t *testing.T) {
	req := testPlanRequest()
	req.Environments = []string{"staging", "production"}
	req.SequentialEnvironments = true

	plan, err := BuildPlan(req)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	// The second environment's first infra unit is ordered after every
	// unit of the first environment, with order edges only.
	prodDB := plan.Unit("infra/production/db")
	orderDeps := 0
	for _, dep := range prodDB.Dependencies {
		if dep.Type == DependencyOrder {
			orderDeps++
		}
	}
	if orderDeps != 4 {
		t.Errorf("Expected 4 order dependencies on production db, got %d (%v)", orderDeps, prodDB.Dependencies)
	}

	stagingDB := plan.Unit("infra/staging/db")
	if len(stagingDB.Dependencies) != 0 {
		t.Errorf("Expected no dependencies on first environment's first infra, got %v", stagingDB.Dependencies)
	}
}

func TestBuildPlanRejectsEmptyScope(t *testing.T) {
	_, err := BuildPlan(PlanRequest{Environments: []string{"develop"}})
	if err == nil {
		t.Fatal("Expected error for empty scope")
	}
	if !HasCode(err, ErrCodeValidation) {
		t.Errorf("Expected validation error code, got: %v", err)
	}

	_, err = BuildPlan(PlanRequest{Infra: []ComponentSpec{{Name: "db", Command: []string{"x"}}}})
	if err == nil {
		t.Fatal("Expected error for no environments")
	}
}
