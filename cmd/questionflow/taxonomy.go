package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/questionflow/internal/store"
)

// taxonomyFile is the YAML layout accepted by `taxonomy import`:
//
//	subjects:
//	  - name: Penalaran Matematika
//	    abbreviation: PM
//	    chapters:
//	      - name: Aljabar
//	        topics:
//	          - name: Persamaan
//	            concepts: [Persamaan Linear, Persamaan Kuadrat]
type taxonomyFile struct {
	Subjects []subjectEntry `yaml:"subjects"`
}

type subjectEntry struct {
	Name         string         `yaml:"name"`
	Abbreviation string         `yaml:"abbreviation"`
	Chapters     []chapterEntry `yaml:"chapters"`
}

type chapterEntry struct {
	Name   string       `yaml:"name"`
	Topics []topicEntry `yaml:"topics"`
}

type topicEntry struct {
	Name     string   `yaml:"name"`
	Concepts []string `yaml:"concepts"`
}

type importCounts struct {
	Subjects, Chapters, Topics, Concepts int
}

func taxonomyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taxonomy",
		Short: "Manage the subject taxonomy",
	}
	imp := &cobra.Command{
		Use:   "import FILE",
		Short: "Load subjects, chapters, topics and concept titles from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaxonomyImport,
	}
	addCommonFlags(imp)
	cmd.AddCommand(imp)
	return cmd
}

func runTaxonomyImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	n, err := importTaxonomy(cmd.Context(), db, f)
	if err != nil {
		return fmt.Errorf("import %s: %w", args[0], err)
	}
	slog.Info("imported taxonomy", "path", args[0],
		"subjects", n.Subjects, "chapters", n.Chapters, "topics", n.Topics, "concepts", n.Concepts)
	return nil
}

// importTaxonomy adds every node in r that is not already present. Existing nodes are
// matched by name under the same parent, so importing a file twice creates nothing new.
func importTaxonomy(ctx context.Context, db *store.Store, r io.Reader) (importCounts, error) {
	var n importCounts
	var tf taxonomyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return n, fmt.Errorf("parse taxonomy: %w", err)
	}

	for _, s := range tf.Subjects {
		if s.Name == "" || s.Abbreviation == "" {
			return n, fmt.Errorf("subject %q needs a name and an abbreviation", s.Name)
		}
		subj, err := db.GetSubjectByName(ctx, s.Name)
		if err != nil {
			return n, err
		}
		var subjectID int64
		if subj != nil {
			subjectID = subj.ID
		} else {
			if subjectID, err = db.CreateSubject(ctx, s.Name, s.Abbreviation); err != nil {
				return n, fmt.Errorf("create subject %q: %w", s.Name, err)
			}
			n.Subjects++
		}

		for _, c := range s.Chapters {
			chapterID, created, err := ensureNode(ctx, db, store.LevelChapter, subjectID, c.Name)
			if err != nil {
				return n, err
			}
			if created {
				n.Chapters++
			}
			for _, t := range c.Topics {
				topicID, created, err := ensureNode(ctx, db, store.LevelTopic, chapterID, t.Name)
				if err != nil {
					return n, err
				}
				if created {
					n.Topics++
				}
				for _, concept := range t.Concepts {
					_, created, err := ensureNode(ctx, db, store.LevelConcept, topicID, concept)
					if err != nil {
						return n, err
					}
					if created {
						n.Concepts++
					}
				}
			}
		}
	}
	return n, nil
}

func ensureNode(ctx context.Context, db *store.Store, level store.Level, parentID int64, name string) (int64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("%s under %d has no name", level, parentID)
	}
	existing, err := db.ListChildren(ctx, level, parentID)
	if err != nil {
		return 0, false, err
	}
	for _, node := range existing {
		if node.Name == name {
			return node.ID, false, nil
		}
	}
	id, err := db.CreateNode(ctx, level, parentID, name)
	if err != nil {
		return 0, false, fmt.Errorf("create %s %q: %w", level, name, err)
	}
	return id, true, nil
}
