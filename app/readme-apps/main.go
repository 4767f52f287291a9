package main

import (
	"fmt"
	"log"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-marge/engine"
	"github.com/tsawler/go-marge/layers"
	"github.com/tsawler/go-marge/optimizer"
)

func main() {
	// Create synthetic data: y = sum of the inputs
	batchSize := 32
	rng := rand.New(rand.NewSource(1))
	inputs := mat.NewDense(batchSize, 10, nil)
	targets := mat.NewDense(batchSize, 1, nil)
	for i := 0; i < batchSize; i++ {
		sum := 0.0
		for j := 0; j < 10; j++ {
			x := rng.Float64()
			inputs.Set(i, j, x)
			sum += x
		}
		targets.Set(i, 0, sum/10)
	}

	// Build a model
	spec, err := layers.NewModelBuilder([]int{batchSize, 10}).
		AddConcreteDropout(layers.DenseSpec(16, true, "hidden"), 1e-6, 1e-5, 0.1, 0.1, false, "hidden_cd").
		AddReLU("relu").
		AddDense(1, true, "output").
		Compile()
	if err != nil {
		log.Fatal(err)
	}

	model, err := engine.NewModel(spec, engine.NewContext(42))
	if err != nil {
		log.Fatal(err)
	}
	config := optimizer.DefaultAdamConfig()
	config.LearningRate = 0.01
	model.Compile(optimizer.NewAdamOptimizer(config))

	fmt.Printf("Model ready for training with %d parameters\n", spec.TotalParameters)
	for step := 1; step <= 200; step++ {
		loss, err := model.TrainStep(inputs, targets, config.LearningRate)
		if err != nil {
			log.Fatal(err)
		}
		if step%50 == 0 {
			fmt.Printf("step %3d: loss=%.6f dropout=%v\n", step, loss, model.DropoutRates())
		}
	}
}
