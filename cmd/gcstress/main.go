package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/daimatz/gcrt/pkg/classfile"
	"github.com/daimatz/gcrt/pkg/config"
	"github.com/daimatz/gcrt/pkg/gc"
	"github.com/daimatz/gcrt/pkg/object"
	"github.com/daimatz/gcrt/pkg/stack"
	"github.com/daimatz/gcrt/pkg/vm"
)

func findJmodPath() string {
	if env := os.Getenv("JAVA_BASE_JMOD"); env != "" {
		return env
	}
	if javaHome := os.Getenv("JAVA_HOME"); javaHome != "" {
		p := filepath.Join(javaHome, "jmods", "java.base.jmod")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	matches, _ := filepath.Glob("/usr/lib/jvm/java-*-openjdk-*/jmods/java.base.jmod")
	if len(matches) > 0 {
		return matches[0]
	}
	return ""
}

func loadConfig(path, options string) (config.Config, error) {
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	for _, opts := range []string{os.Getenv(config.EnvOptions), options} {
		if opts == "" {
			continue
		}
		if err := cfg.ApplyOptions(opts); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// workload is the allocation pattern run each round.
type workload struct {
	vm      *vm.VM
	node    object.Class
	next    uint32
	value   uint32
	objects int
	// user is the class loaded from the class path, if any.
	user   object.Class
	userCF *classfile.ClassFile
}

func (w *workload) defineNode() error {
	node, err := w.vm.Classes.Define(object.ClassSpec{
		Name: "gcstress/Node",
		Size: 16,
		Fields: []object.Field{
			{Name: "next", Offset: 8, Type: object.FieldObject},
			{Name: "value", Offset: 12, Type: object.FieldInt},
		},
	})
	if err != nil {
		return err
	}
	w.node, w.next, w.value = node, 8, 12
	return nil
}

func (w *workload) defineUser(classpath, name string) error {
	loaders := classfile.Chain{}
	if jmod := findJmodPath(); jmod != "" {
		loaders = append(loaders, classfile.NewJmodLoader(jmod))
	}
	loaders = append(loaders, classfile.NewDirLoader(classpath, nil))
	cls, err := w.vm.DefineClass(loaders, name)
	if err != nil {
		return err
	}
	cf, _ := w.vm.ClassFile(cls)
	w.user, w.userCF = cls, cf
	return nil
}

func (w *workload) enter(slots int) (*stack.Frame, error) {
	if w.userCF != nil {
		for i := range w.userCF.Methods {
			if m := &w.userCF.Methods[i]; m.HasCode && int(m.MaxLocals) >= slots {
				return w.vm.Enter(w.userCF, m, 0)
			}
		}
	}
	return w.vm.Stack.Push(slots)
}

// round builds a linked list in slot 0, a string array in slot 1, a weak
// reference queue in slot 2 and its newest reference in slot 3. The list
// is handed to survivor, so it outlives the round until the next one
// replaces it.
func (w *workload) round(n int, survivor *stack.Frame) error {
	v := w.vm
	f, err := w.enter(4)
	if err != nil {
		return err
	}
	defer v.Leave(f)

	f.Set(2, v.NewReferenceQueue())
	f.Set(1, v.NewArray(v.Classes.String, uint32(n/10+1)))
	for i := 0; i < n; i++ {
		obj := v.NewObject(w.node)
		v.Space.SetInt32(obj+object.Addr(w.value), int32(i))
		v.SetRef(obj, w.next, f.Get(0))
		f.Set(0, obj)
		switch {
		case i%10 == 0:
			s := v.NewString("node-" + strconv.Itoa(i))
			v.SetElement(f.Get(1), uint32(i/10), s)
		case i%10 == 5:
			// Weak references to garbage are cleared by the next cycle.
			f.Set(3, v.NewReference(v.NewObject(w.node), f.Get(2)))
		}
		if !w.user.IsNull() && i%100 == 0 {
			v.NewObject(w.user)
		}
	}
	survivor.Set(0, f.Get(0))

	v.Collect()
	v.CheckHeap()
	cleared := 0
	for r := v.Poll(f.Get(2)); r != object.Null; r = v.Poll(f.Get(2)) {
		cleared++
	}
	last := v.LastCycle()
	fmt.Printf("round: full=%t marked=%d freed=%d relocated=%d weak-cleared=%d heap=%d free=%d\n",
		last.Full, last.MarkCount, last.FreeByteCount, last.RelocatedBytes, cleared, v.Memory.Available(), v.GC.FreeBytes())
	return nil
}

func run() (err error) {
	var (
		configPath = flag.String("config", "", "YAML configuration file (default $"+config.EnvConfig+")")
		options    = flag.String("options", "", "runtime options, applied after $"+config.EnvOptions)
		objects    = flag.Int("objects", 10000, "objects allocated per round")
		rounds     = flag.Int("rounds", 10, "number of rounds")
		classpath  = flag.String("classpath", "", "directory of class files")
		className  = flag.String("class", "", "class to define from -classpath and allocate")
		dump       = flag.Bool("dump", false, "write a heap dump after the last round")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath, *options)
	if err != nil {
		return err
	}
	v, err := vm.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if serr := v.Shutdown(); err == nil {
			err = serr
		}
	}()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		oom, ok := r.(*gc.OutOfMemoryError)
		if !ok {
			panic(r)
		}
		err = oom
	}()

	w := &workload{vm: v, objects: *objects}
	if err := w.defineNode(); err != nil {
		return err
	}
	if *className != "" {
		if *classpath == "" {
			return errors.New("-class requires -classpath")
		}
		if err := w.defineUser(*classpath, *className); err != nil {
			return err
		}
	}

	root, err := v.Stack.Push(1)
	if err != nil {
		return err
	}
	for i := 0; i < *rounds; i++ {
		if err := w.round(w.objects, root); err != nil {
			return err
		}
	}
	v.Leave(root)

	if *dump {
		path, err := v.WriteHeapDump()
		if err != nil {
			return err
		}
		fmt.Printf("heap dump: %s\n", path)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
